// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

// Command mkauthuser provisions an auth user offline.
//
// It generates a fresh RSA key pair, seals the private key under the given
// password, and prints the INSERT statement to run against the auth
// database. It never connects to anything: run the SQL yourself, with the
// credentials the server deliberately does not have.
//
// Usage:
//
//	mkauthuser -u alice -e alice@example.com -d "Alice Liddell" -p s3cret
//
// Omit -p to create a user with no password; they can claim the account
// later through the password-reset flow.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rknop/rkwebutil/internal/platform/sec"
	"github.com/rknop/rkwebutil/pkg/uuid"
)

func main() {
	username := flag.String("u", "", "username (required)")
	email := flag.String("e", "", "email address (required)")
	displayName := flag.String("d", "", "display name (defaults to username)")
	password := flag.String("p", "", "initial password (omit for a passwordless account)")
	flag.Parse()

	if *username == "" || *email == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *displayName == "" {
		*displayName = *username
	}

	id := uuid.New()

	if *password == "" {
		fmt.Printf("INSERT INTO authuser(id,username,displayname,email,pubkey,privkey)\n"+
			"VALUES ('%s','%s','%s','%s',NULL,NULL);\n",
			id, sqlEscape(*username), sqlEscape(*displayName), sqlEscape(*email))
		return
	}

	key, err := sec.GenerateKeyPair()
	fatalOn(err)

	pubPEM, err := sec.ExportPublicPEM(&key.PublicKey)
	fatalOn(err)

	der, err := sec.MarshalPKCS8(key)
	fatalOn(err)

	envelope, err := sec.SealWithPassword(der, *password)
	fatalOn(err)

	envelopeJSON, err := json.Marshal(envelope)
	fatalOn(err)

	fmt.Printf("INSERT INTO authuser(id,username,displayname,email,pubkey,privkey)\n"+
		"VALUES ('%s','%s','%s','%s','%s','%s');\n",
		id, sqlEscape(*username), sqlEscape(*displayName), sqlEscape(*email),
		sqlEscape(pubPEM), sqlEscape(string(envelopeJSON)))
}

// sqlEscape doubles single quotes for use inside a SQL string literal.
func sqlEscape(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "mkauthuser:", err)
		os.Exit(1)
	}
}
