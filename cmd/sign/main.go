package main

import (
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/squadklaw/squadklaw/internal/api/middleware"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/validate"
)

func main() {
	keyFile := flag.String("key", "", "File holding the Ed25519 private key (PEM or base64 seed)")
	agentID := flag.String("agent", "", "Agent ID for directory request headers")
	bodyFile := flag.String("body", "", "File containing the request body or message (or use stdin)")
	message := flag.Bool("message", false, "Sign the input as a protocol message and print it")
	flag.Parse()

	if *keyFile == "" || (!*message && *agentID == "") {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <file> -agent <agent-id> [-body <file>]")
		fmt.Fprintln(os.Stderr, "       sign -key <file> -message [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	keyData, err := os.ReadFile(*keyFile)
	if err != nil {
		fail("Failed to read key: %v", err)
	}
	privateKey := privateKeyBlock(keyData)
	if _, err := crypto.ParsePrivateKey(privateKey); err != nil {
		fail("Invalid private key: %v", err)
	}

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fail("Failed to read body: %v", err)
	}

	if *message {
		signMessage(body, privateKey)
		return
	}

	nonce := crypto.NewNonce()
	timestamp := time.Now().UnixMilli()
	signature, err := crypto.SignPayload(privateKey, crypto.SignaturePayload(crypto.BodyHash(body), nonce, timestamp))
	if err != nil {
		fail("Failed to sign: %v", err)
	}

	fmt.Printf("%s: %s\n", middleware.HeaderAgent, *agentID)
	fmt.Printf("%s: %s\n", middleware.HeaderNonce, nonce)
	fmt.Printf("%s: %d\n", middleware.HeaderTimestamp, timestamp)
	fmt.Printf("%s: %s\n", middleware.HeaderSignature, signature)
}

func signMessage(body []byte, privateKey string) {
	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		fail("Invalid message JSON: %v", err)
	}
	if err := crypto.DefaultSigner.SignMessage(&msg, privateKey); err != nil {
		fail("Failed to sign message: %v", err)
	}
	if err := validate.Message(&msg); err != nil {
		fail("Signed message is not valid: %v", err)
	}
	out, _ := json.MarshalIndent(&msg, "", "  ")
	fmt.Println(string(out))
}

// privateKeyBlock picks the PRIVATE KEY block out of genkey output, which
// also carries the public key.
func privateKeyBlock(data []byte) string {
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return string(data)
		}
		if block.Type == "PRIVATE KEY" {
			return string(pem.EncodeToMemory(block))
		}
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
