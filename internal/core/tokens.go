// Copyright 2024 The acmeca Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// NewToken returns a URL-safe random token built from n random bytes
// (unpadded base64url, so 16 bytes yield a 22 character token).
func NewToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("gathering entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewID returns a 16-byte resource id token. Account, order,
// authorization and challenge ids all use this form.
func NewID() (string, error) {
	return NewToken(16)
}

// NewSerial returns a random positive certificate serial number. The
// space is large enough that uniqueness is not enforced elsewhere.
func NewSerial() (*big.Int, error) {
	// Leaf serials use 136 bits like RFC 5280 suggests staying under
	// 20 octets; the top bit is left clear so the integer is positive.
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 136))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

// SerialToHex renders a serial number the way it appears in URLs and
// the database: uppercase hex without leading zeros.
func SerialToHex(serial *big.Int) string {
	return strings.ToUpper(serial.Text(16))
}

// SerialFromHex parses an uppercase hex serial back into an integer.
func SerialFromHex(s string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid serial number %q", s)
	}
	return serial, nil
}
