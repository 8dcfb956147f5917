// Command keygen generates a master key for the encryption key manager and
// prints it base64-encoded, ready for CUSTODIA_MASTER_KEY.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
)

const masterKeyBytes = 32

func main() {
	asJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	key := make([]byte, masterKeyBytes)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if *asJSON {
		out := map[string]string{
			"masterKey": encoded,
			"usage":     "export CUSTODIA_MASTER_KEY=" + encoded,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println(encoded)
}
