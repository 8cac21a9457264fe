/*
Copyright © 2024 John Dudmesh <john@dudmesh.co.uk>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Signer produces the Signature, Date, Host and Digest headers for an
// outbound request on behalf of one local actor key.
type Signer struct {
	privateKey *rsa.PrivateKey
	keyID      string
	now        func() time.Time
}

func NewSigner(privateKeyPEM, keyID string) (*Signer, error) {
	return NewSignerWithPassphrase(privateKeyPEM, "", keyID)
}

func NewSignerWithPassphrase(privateKeyPEM, passphrase, keyID string) (*Signer, error) {
	key, err := parsePrivateKey(privateKeyPEM, passphrase)
	if err != nil {
		return nil, err
	}
	return &Signer{
		privateKey: key,
		keyID:      keyID,
		now:        time.Now,
	}, nil
}

func parsePrivateKey(privateKeyPEM, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrSigningKey)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted keys still exist in the wild
		if passphrase == "" {
			return nil, fmt.Errorf("%w: key is passphrase protected", ErrSigningKey)
		}
		var err error
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting key: %w", ErrSigningKey, err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key: %w", ErrSigningKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrSigningKey)
	}
	return key, nil
}

// Sign returns the headers to attach to a request for rawURL. The signed
// header list is fixed as (request-target), host, date and, when a body is
// present, digest. No network I/O happens here.
func (s *Signer) Sign(method, rawURL string, body []byte) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target url: %w", err)
	}

	headers := map[string]string{
		HeaderHost: u.Host,
		HeaderDate: s.now().UTC().Format(http.TimeFormat),
	}

	signed := []string{RequestTarget, "host", "date"}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		headers[HeaderDigest] = "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
		signed = append(signed, "digest")
	}

	msg := SigningString(method, RequestTargetOf(u), signed, func(name string) string {
		return headers[http.CanonicalHeaderKey(name)]
	})

	hashed := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}

	params := &Parameters{
		KeyID:     s.keyID,
		Algorithm: AlgorithmRSASHA256,
		Headers:   signed,
		Signature: sig,
	}
	headers[HeaderSignature] = params.Encode()

	return headers, nil
}

// RequestTargetOf renders the path portion of the (request-target)
// pseudo-header: the escaped path exactly as sent on the wire, with the raw
// query appended when present. No re-encoding or query reordering is applied
// so both ends see identical bytes.
func RequestTargetOf(u *url.URL) string {
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
