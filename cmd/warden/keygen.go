package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wardenlabs/warden/pkg/crypto"
	"github.com/wardenlabs/warden/pkg/gate"
)

type keygenResult struct {
	PublicKey     string `json:"public_key"`
	PrivateKey    string `json:"private_key,omitempty"`
	KeyFile       string `json:"key_file,omitempty"`
	PolicyHash    string `json:"policy_hash,omitempty"`
	OathSignature string `json:"oath_signature,omitempty"`
}

// runKeygen implements `warden keygen`.
//
// Generates (or loads with --key) an ed25519 agent keypair. With --policy it
// also signs the policy document's hash, producing the oath_signature a
// register call needs.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outPrefix  string
		keyPath    string
		policyPath string
		jsonOutput bool
	)

	cmd.StringVar(&outPrefix, "out", "", "Write <out>.key and <out>.pub instead of printing the private key")
	cmd.StringVar(&keyPath, "key", "", "Load an existing private key file instead of generating")
	cmd.StringVar(&policyPath, "policy", "", "Sign this policy document's hash as an oath")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var privateHex string
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		privateHex = strings.TrimSpace(string(raw))
	} else {
		_, priv, err := crypto.Keypair()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		privateHex = priv
	}

	signer, err := crypto.NewSigner(privateHex)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid private key: %v\n", err)
		return 2
	}

	result := keygenResult{PublicKey: signer.PublicKey()}

	if policyPath != "" {
		raw, err := os.ReadFile(policyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result.PolicyHash = gate.HashPolicy(raw)
		result.OathSignature = signer.Sign([]byte(result.PolicyHash))
	}

	if outPrefix != "" {
		if err := os.WriteFile(outPrefix+".key", []byte(privateHex+"\n"), 0600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write key: %v\n", err)
			return 2
		}
		if err := os.WriteFile(outPrefix+".pub", []byte(signer.PublicKey()+"\n"), 0644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write pub: %v\n", err)
			return 2
		}
		result.KeyFile = outPrefix + ".key"
	} else {
		result.PrivateKey = privateHex
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Public key:  %s%s%s\n", ColorBold+ColorGreen, result.PublicKey, ColorReset)
	if result.KeyFile != "" {
		_, _ = fmt.Fprintf(stdout, "Private key: %s\n", result.KeyFile)
		_, _ = fmt.Fprintf(stdout, "\n%s⚠️  SECURITY WARNING: Protect the private key file.%s\n", ColorBold+ColorYellow, ColorReset)
		_, _ = fmt.Fprintf(stdout, "   In production, use a hardware security module (HSM) or cloud KMS.\n")
	} else {
		_, _ = fmt.Fprintf(stdout, "Private key: %s\n", result.PrivateKey)
	}
	if result.PolicyHash != "" {
		_, _ = fmt.Fprintf(stdout, "Policy hash: %s\n", result.PolicyHash)
		_, _ = fmt.Fprintf(stdout, "Oath:        %s\n", result.OathSignature)
	}
	return 0
}
