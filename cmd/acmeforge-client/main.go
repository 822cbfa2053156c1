// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command acmeforge-client drives one ACME Client Core issuance against a
// server named in its config file: load or generate an account key,
// register (first run only), submit the CSR named by -csr, fulfil
// whatever requirements the server asks for, and write the issued
// certificate to -out. Grounded on cmd/boulder-wfe2/main.go's
// flag-driven bootstrap shape, generalized onto the client side.
package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"os"

	"github.com/acmeforge/acmeforge/client"
	"github.com/acmeforge/acmeforge/cmd"
	"github.com/acmeforge/acmeforge/core"
	"github.com/acmeforge/acmeforge/metrics"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// clientConfig is acmeforge-client's configuration document.
type clientConfig struct {
	Client struct {
		BaseURL        string   `validate:"required,url"`
		Contact        []string `validate:"dive,required"`
		Challenge      string   `validate:"required"`
		KeyFile        string   `validate:"required"`
		AllowInsecure  bool
		AgreeToTerms   bool
		PollAttempts   int
		PollInterval   cmd.ConfigDuration
	}
	Log cmd.LogConfig
}

// loadOrCreateKey reads an EC private key from path, generating and
// persisting a fresh P-256 key if the file doesn't exist yet.
func loadOrCreateKey(path string) (crypto.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.New("key file does not contain a PEM block")
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// readCSR loads a PKCS#10 certificate request from path, accepting
// either PEM or raw DER encoding.
func readCSR(path string) (core.CertificateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.CertificateRequest{}, err
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return core.CertificateRequest{}, err
	}
	return core.CertificateRequest{CSR: csr, Bytes: der}, nil
}

func main() {
	configFile := flag.String("config", "", "File path to this client's YAML configuration")
	csrFile := flag.String("csr", "", "File path to a PEM or DER PKCS#10 CSR")
	outFile := flag.String("out", "cert.pem", "File path to write the issued certificate to")
	flag.Parse()
	if *configFile == "" || *csrFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c clientConfig
	_, logger := cmd.StatsAndLogging(cmd.LogConfig{Prefix: "acmeforge-client"})
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(logger, err, "reading configuration file")
	if c.Log.Prefix != "" {
		_, logger = cmd.StatsAndLogging(c.Log)
	}

	_, statErr := os.Stat(c.Client.KeyFile)
	firstRun := os.IsNotExist(statErr)
	key, err := loadOrCreateKey(c.Client.KeyFile)
	cmd.FailOnError(logger, err, "loading account key")

	cr, err := readCSR(*csrFile)
	cmd.FailOnError(logger, err, "reading CSR")

	scope := metrics.NewClientScope(prometheus.NewRegistry())
	cl, err := client.New(clock.Default(), logger, scope, key, client.Config{
		BaseURL:         c.Client.BaseURL,
		Contact:         c.Client.Contact,
		ValidationTypes: []core.ChallengeType{core.ChallengeType(c.Client.Challenge)},
		AllowInsecure:   c.Client.AllowInsecure,
		PollAttempts:    c.Client.PollAttempts,
		PollInterval:    c.Client.PollInterval.Duration,
		AgreementCallback: func(termsURL string) bool {
			return c.Client.AgreeToTerms
		},
	})
	cmd.FailOnError(logger, err, "constructing client")

	ctx := context.Background()
	if firstRun {
		_, err = cl.Register(ctx)
		cmd.FailOnError(logger, err, "registering account")
	}

	certDER, err := cl.RequestCertificate(ctx, cr, nil, nil)
	cmd.FailOnError(logger, err, "requesting certificate")

	block := &pem.Block{Type: "CERTIFICATE", Bytes: certDER}
	err = os.WriteFile(*outFile, pem.EncodeToMemory(block), 0644)
	cmd.FailOnError(logger, err, "writing certificate")
	logger.Infof("wrote certificate to %s", *outFile)
}
