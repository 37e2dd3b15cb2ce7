package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// keygen produces deployment secrets. Modes:
//
//	keygen secret              HS256 signing secret (JWT_SECRET)
//	keygen rsa                 RS256 private key (JWT_PRIVATE_KEY_PEM)
//	keygen admin-hash <pass>   bcrypt hash (ADMIN_PASSWORD_HASH)
func main() {
	mode := "secret"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "secret":
		raw := make([]byte, 48)
		if _, err := rand.Read(raw); err != nil {
			fmt.Printf("Failed to read random bytes: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("JWT_SECRET=%s\n", base64.RawURLEncoding.EncodeToString(raw))

	case "rsa":
		privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			fmt.Printf("Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		privBytes := x509.MarshalPKCS1PrivateKey(privateKey)
		privPEM := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: privBytes,
		})
		fmt.Println("--- COPY BELOW TO .env.local ---")
		fmt.Printf("JWT_PRIVATE_KEY_PEM=\"%s\"\n", string(privPEM))
		fmt.Println("--------------------------------")

	case "admin-hash":
		if len(os.Args) < 3 {
			fmt.Println("usage: keygen admin-hash <password>")
			os.Exit(1)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[2]), bcrypt.DefaultCost)
		if err != nil {
			fmt.Printf("Failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", string(hash))

	default:
		fmt.Printf("unknown mode %q (want secret, rsa or admin-hash)\n", mode)
		os.Exit(1)
	}
}
