package certificate

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"strings"

	keystore "github.com/pavlo-v-chernykh/keystore-go/v4"
	"github.com/smallstep/pkcs7"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// certHit is a certificate found in a file, line is 0 for binary formats.
type certHit struct {
	cert   *x509.Certificate
	source string
	line   int
}

// keyHit is a private key found in a file.
type keyHit struct {
	kind string
	line int
}

type found struct {
	certs []certHit
	keys  []keyHit
}

// passwords tried for PKCS#12 and JKS stores
var passwords = []string{"changeit", "", "password"}

var pemBegin = []byte("-----BEGIN ")

func decode(b []byte) found {
	if bytes.Contains(b, pemBegin) {
		return decodePEM(b)
	}
	return decodeBinary(b, 0)
}

// decodePEM finds all PEM blocks anywhere in b, leading text included.
func decodePEM(b []byte) found {
	var ret found
	rest := b
	for {
		at := bytes.Index(rest, pemBegin)
		if at < 0 {
			return ret
		}
		line := bytes.Count(b[:len(b)-len(rest)+at], []byte("\n")) + 1
		p, r := pem.Decode(rest[at:])
		if p == nil {
			rest = rest[at+len(pemBegin):]
			continue
		}
		rest = r

		switch {
		case p.Type == "CERTIFICATE", p.Type == "TRUSTED CERTIFICATE":
			if cs, err := x509.ParseCertificates(p.Bytes); err == nil {
				for _, c := range cs {
					ret.certs = append(ret.certs, certHit{cert: c, source: "PEM", line: line})
				}
			}
		case strings.HasSuffix(p.Type, "PRIVATE KEY"):
			ret.keys = append(ret.keys, keyHit{kind: p.Type, line: line})
		case p.Type == "PKCS7", p.Type == "CMS", p.Type == "PKCS12":
			bin := decodeBinary(p.Bytes, line)
			ret.certs = append(ret.certs, bin.certs...)
			ret.keys = append(ret.keys, bin.keys...)
		}
	}
}

func decodeBinary(b []byte, line int) found {
	var ret found
	if cs, err := x509.ParseCertificates(b); err == nil {
		for _, c := range cs {
			ret.certs = append(ret.certs, certHit{cert: c, source: "DER", line: line})
		}
		return ret
	}

	switch {
	case sniffJKS(b):
		return jksAll(b, line)
	case sniffPKCS12(b):
		return pkcs12All(b, line)
	case sniffPKCS7(b):
		for _, c := range parsePKCS7(b) {
			ret.certs = append(ret.certs, certHit{cert: c, source: "PKCS7", line: line})
		}
	}
	return ret
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
}

var (
	oidData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

// sniffPKCS7 accepts a ContentInfo of the signedData type.
func sniffPKCS7(b []byte) bool {
	var ci contentInfo
	if _, err := asn1.Unmarshal(b, &ci); err != nil {
		return false
	}
	return ci.ContentType.Equal(oidSignedData)
}

// parsePKCS7 returns nil on malformed input, the parser panics on some.
func parsePKCS7(b []byte) (certs []*x509.Certificate) {
	defer func() {
		if recover() != nil {
			certs = nil
		}
	}()
	p7, err := pkcs7.Parse(b)
	if err != nil {
		return nil
	}
	return p7.Certificates
}

// sniffPKCS12 validates the top level PFX structure:
// SEQUENCE { version INTEGER, authSafe ContentInfo, ... }
func sniffPKCS12(b []byte) bool {
	var top asn1.RawValue
	if _, err := asn1.Unmarshal(b, &top); err != nil {
		return false
	}
	if top.Class != asn1.ClassUniversal || top.Tag != asn1.TagSequence || !top.IsCompound {
		return false
	}
	var ver int
	rest, err := asn1.Unmarshal(top.Bytes, &ver)
	if err != nil || ver < 0 || ver > 10 {
		return false
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(rest, &ci); err != nil {
		return false
	}
	return ci.ContentType.Equal(oidData) || ci.ContentType.Equal(oidSignedData)
}

// pkcs12All tries a trust store first, then a key with its chain.
func pkcs12All(b []byte, line int) found {
	var ret found
	for _, pw := range passwords {
		if certs, err := pkcs12.DecodeTrustStore(b, pw); err == nil && len(certs) > 0 {
			for _, c := range certs {
				ret.certs = append(ret.certs, certHit{cert: c, source: "PKCS12", line: line})
			}
			return ret
		}
		key, leaf, cas, err := pkcs12.DecodeChain(b, pw)
		if err != nil {
			continue
		}
		if key != nil {
			ret.keys = append(ret.keys, keyHit{kind: "PKCS12 private key", line: line})
		}
		for _, c := range append([]*x509.Certificate{leaf}, cas...) {
			if c != nil {
				ret.certs = append(ret.certs, certHit{cert: c, source: "PKCS12", line: line})
			}
		}
		return ret
	}
	return ret
}

var (
	magicJKS   = []byte{0xfe, 0xed, 0xfe, 0xed}
	magicJCEKS = []byte{0xce, 0xce, 0xce, 0xce}
)

func sniffJKS(b []byte) bool {
	return bytes.HasPrefix(b, magicJKS) || bytes.HasPrefix(b, magicJCEKS)
}

func jksAll(b []byte, line int) found {
	var ret found
	for _, pw := range passwords {
		ks := keystore.New()
		if err := ks.Load(bytes.NewReader(b), []byte(pw)); err != nil {
			continue
		}
		for _, alias := range ks.Aliases() {
			var raw []keystore.Certificate
			switch {
			case ks.IsTrustedCertificateEntry(alias):
				entry, err := ks.GetTrustedCertificateEntry(alias)
				if err != nil {
					continue
				}
				raw = append(raw, entry.Certificate)
			case ks.IsPrivateKeyEntry(alias):
				ret.keys = append(ret.keys, keyHit{kind: "JKS private key entry " + alias, line: line})
				chain, err := ks.GetPrivateKeyEntryCertificateChain(alias)
				if err != nil {
					continue
				}
				raw = append(raw, chain...)
			}
			for _, c := range raw {
				cert, err := x509.ParseCertificate(c.Content)
				if err != nil {
					continue
				}
				ret.certs = append(ret.certs, certHit{cert: cert, source: "JKS", line: line})
			}
		}
		return ret
	}
	return ret
}
