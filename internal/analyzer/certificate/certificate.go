// Package certificate reports private keys and problematic certificates
// stored in PEM, DER, PKCS#7, PKCS#12 and JKS files.
//
// A rule's ID selects the check: private-key, weak-key, weak-signature or
// expired-certificate.
package certificate

import (
	"context"
	"crypto/dsa" //nolint:staticcheck // obsoleted crypto is reported, not used
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/analyzer"
	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"
)

const (
	CheckPrivateKey    = "private-key"
	CheckWeakKey       = "weak-key"
	CheckWeakSignature = "weak-signature"
	CheckExpired       = "expired-certificate"

	// MinRSABits and MinECDSABits are the smallest key sizes not reported
	// as weak.
	MinRSABits   = 2048
	MinECDSABits = 256
)

// certCheck returns a detail of a problem found in cert.
type certCheck func(cert *x509.Certificate, now time.Time) (string, bool)

var certChecks = map[string]certCheck{
	CheckWeakKey:       weakKey,
	CheckWeakSignature: weakSignature,
	CheckExpired:       expired,
}

// New returns an analyzer of certificate rules. Binary files are analyzed as
// DER, PKCS#12 and JKS are binary formats.
func New(opts ...analyzer.Option) *analyzer.Files {
	return NewWithClock(time.Now, opts...)
}

// NewWithClock is New with a custom source of the current time used by the
// expiration check.
func NewWithClock(now func() time.Time, opts ...analyzer.Option) *analyzer.Files {
	opts = append([]analyzer.Option{analyzer.WithBinary()}, opts...)
	return analyzer.NewFiles(model.RuleKindCertificate, func(ctx context.Context, rules model.RuleSet, b *bench.Benchmarker) (analyzer.Detector, error) {
		return setup(ctx, rules, b, now)
	}, opts...)
}

type detector struct {
	keyRules  []model.Rule
	certRules []model.Rule
	bench     *bench.Benchmarker
	now       func() time.Time
}

func setup(_ context.Context, rules model.RuleSet, b *bench.Benchmarker, now func() time.Time) (analyzer.Detector, error) {
	d := &detector{bench: b, now: now}
	for _, r := range rules.Rules {
		switch _, ok := certChecks[r.ID]; {
		case r.ID == CheckPrivateKey:
			d.keyRules = append(d.keyRules, r)
		case ok:
			d.certRules = append(d.certRules, r)
		default:
			return nil, fmt.Errorf("rule %s: unknown certificate check", r.ID)
		}
	}
	return d, nil
}

func (d *detector) Detect(ctx context.Context, file analyzer.File) ([]model.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := d.bench.Timer("certificate decode")
	found := decode(file.Content)
	stop.Stop()

	var ret []model.Violation
	for _, r := range d.keyRules {
		for _, k := range found.keys {
			ret = append(ret, violation(r, file.Path, k.line, k.kind))
		}
	}

	now := d.now()
	for _, r := range d.certRules {
		check := certChecks[r.ID]
		for _, h := range found.certs {
			detail, bad := check(h.cert, now)
			if !bad {
				continue
			}
			ret = append(ret, violation(r, file.Path, h.line,
				fmt.Sprintf("%s certificate %s: %s", h.source, h.cert.Subject, detail)))
		}
	}
	return ret, nil
}

func (*detector) Close() error {
	return nil
}

func violation(r model.Rule, path string, line int, detail string) model.Violation {
	msg := detail
	if r.Message != "" {
		msg = r.Message + ": " + detail
	}
	return model.Violation{
		RuleID:    r.ID,
		File:      path,
		Line:      line,
		Severity:  r.Severity,
		Message:   msg,
		Reference: r.Reference,
	}
}

func weakKey(cert *x509.Certificate, _ time.Time) (string, bool) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if bits := pub.N.BitLen(); bits < MinRSABits {
			return fmt.Sprintf("RSA key of %d bits", bits), true
		}
	case *ecdsa.PublicKey:
		if bits := pub.Params().BitSize; bits < MinECDSABits {
			return fmt.Sprintf("ECDSA key of %d bits", bits), true
		}
	case *dsa.PublicKey:
		return fmt.Sprintf("DSA key of %d bits", pub.P.BitLen()), true
	}
	return "", false
}

func weakSignature(cert *x509.Certificate, _ time.Time) (string, bool) {
	switch cert.SignatureAlgorithm {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return "signed with " + cert.SignatureAlgorithm.String(), true
	}
	return "", false
}

func expired(cert *x509.Certificate, now time.Time) (string, bool) {
	if now.After(cert.NotAfter) {
		return "expired on " + cert.NotAfter.UTC().Format(time.DateOnly), true
	}
	return "", false
}
