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
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// RequestTarget is the pseudo-header covering the method and path.
	RequestTarget = "(request-target)"

	AlgorithmRSASHA256 = "rsa-sha256"

	HeaderSignature = "Signature"
	HeaderDigest    = "Digest"
	HeaderDate      = "Date"
	HeaderHost      = "Host"
)

// SigningString assembles the exact byte sequence covered by a signature.
// Header names are emitted lowercased, one "name: value" pair per line, in
// the order given; values are taken verbatim from the lookup. The signer and
// the verifier must feed this the identical header list, which is why the
// list itself travels inside the Signature header.
func SigningString(method, target string, headers []string, value func(name string) string) string {
	sb := strings.Builder{}
	for i, h := range headers {
		if i > 0 {
			sb.WriteString("\n")
		}
		name := strings.ToLower(h)
		sb.WriteString(name)
		sb.WriteString(": ")
		if name == RequestTarget {
			sb.WriteString(strings.ToLower(method))
			sb.WriteString(" ")
			sb.WriteString(target)
			continue
		}
		sb.WriteString(value(h))
	}
	return sb.String()
}

// Parameters is the decoded form of a Signature header.
type Parameters struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

func (p *Parameters) Encode() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		p.KeyID,
		p.Algorithm,
		strings.Join(p.Headers, " "),
		base64.StdEncoding.EncodeToString(p.Signature))
}

// ParseSignatureHeader decodes a Signature header value. It tolerates an
// optional "Signature " scheme prefix and unquoted parameter values.
func ParseSignatureHeader(raw string) (*Parameters, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Signature "))
	if raw == "" {
		return nil, ErrMalformedSignature
	}

	fields := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedSignature, part)
		}
		fields[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	for _, required := range []string{"keyid", "algorithm", "headers", "signature"} {
		if fields[required] == "" {
			return nil, fmt.Errorf("%w: no %s", ErrIncompleteSignature, required)
		}
	}

	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %w", ErrMalformedSignature, err)
	}

	return &Parameters{
		KeyID:     fields["keyid"],
		Algorithm: fields["algorithm"],
		Headers:   strings.Fields(fields["headers"]),
		Signature: sig,
	}, nil
}
