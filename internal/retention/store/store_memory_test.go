package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"custodia/internal/retention/models"
	id "custodia/pkg/domain"
)

// Sweeps walk policies in ListActive order, so equal priorities must not
// reshuffle between runs.
func TestListActiveOrderIsStable(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	save := func(name string, priority int, active bool) {
		require.NoError(t, st.Save(ctx, &models.Policy{
			ID:       id.NewPolicyID(),
			Name:     name,
			Priority: priority,
			Active:   active,
		}))
	}
	save("audit trim", 10, true)
	save("student archive", 10, true)
	save("student purge", 20, true)
	save("dormant", 30, false)

	for range 5 {
		policies, err := st.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, policies, 3)
		require.Equal(t, "student purge", policies[0].Name)
		require.Equal(t, "audit trim", policies[1].Name)
		require.Equal(t, "student archive", policies[2].Name)
	}
}
