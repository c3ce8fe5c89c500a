package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/squadklaw/squadklaw/internal/crypto"
)

func main() {
	raw := flag.Bool("raw", false, "Print raw base64 keys (public key and 32-byte seed) instead of PEM")
	flag.Parse()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key pair: %v\n", err)
		os.Exit(1)
	}

	if !*raw {
		fmt.Print(kp.PublicKey)
		fmt.Print(kp.PrivateKey)
		return
	}

	pub, err := crypto.ParsePublicKey(kp.PublicKey)
	if err != nil {
		panic(err)
	}
	priv, err := crypto.ParsePrivateKey(kp.PrivateKey)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Public key (base64):  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("Private seed (base64): %s\n", base64.StdEncoding.EncodeToString(priv[:ed25519.SeedSize]))
}
