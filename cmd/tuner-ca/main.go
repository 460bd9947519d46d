// Command tuner-ca creates the root certificate authority the proxy signs
// decrypted tunnels with, and prints its fingerprint so it can be trusted
// in browsers and system stores.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/codefionn/tuner/tuner-srv/ca"
	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/logger"
)

func main() {
	configPath := flag.String("config", "", "Read CA paths from this configuration file")
	certPath := flag.String("cert", "", "Certificate output path (default from config)")
	keyPath := flag.String("key", "", "Private key output path (default from config)")
	password := flag.String("password", "", "Encrypt the private key with this password")
	force := flag.Bool("force", false, "Replace an existing root CA")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if *certPath == "" {
		*certPath = cfg.CA.CertFile
	}
	if *keyPath == "" {
		*keyPath = cfg.CA.KeyFile
	}
	if *password == "" {
		*password = cfg.CA.KeyPassword
	}

	var root *ca.Certificate
	if *force {
		root, err = ca.GenerateRootCA()
		if err == nil {
			err = ca.Save(root, *certPath, *keyPath, *password)
		}
	} else {
		root, err = ca.LoadOrCreate(*certPath, *keyPath, *password)
	}
	if err != nil {
		logger.Fatal("Failed to prepare root CA: %v", err)
	}

	fmt.Fprintf(os.Stdout, "certificate: %s\n", *certPath)
	fmt.Fprintf(os.Stdout, "key:         %s\n", *keyPath)
	fmt.Fprintf(os.Stdout, "subject:     %s\n", root.Leaf.Subject.CommonName)
	fmt.Fprintf(os.Stdout, "not after:   %s\n", root.Leaf.NotAfter.Format("2006-01-02"))
	fmt.Fprintf(os.Stdout, "sha256:      %s\n", root.Fingerprint())
}
