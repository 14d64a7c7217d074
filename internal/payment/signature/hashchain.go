package signature

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingField  = errors.New("missing hash field")
	ErrMissingSecret = errors.New("missing hash secret")
	ErrInvalidLayout = errors.New("invalid hash layout")
)

type Source int

const (
	SourcePayload Source = iota // value comes from the callback/request fields
	SourceSecret                // value comes from merchant configuration
	SourceBlank                 // empty placeholder slot
)

// Field is one slot of a hash-chain canonical string.
type Field struct {
	Name     string
	Source   Source
	Optional bool // absent payload value hashes as ""
}

// Layout is the ordered list of slots a gateway hashes. It is parsed from a
// pipe-delimited string so the slot order lives in configuration:
//
//	"@salt|status|-|-|udf1?|email|txnid|@key"
//
// "@name" reads a merchant secret, "-" is a blank slot, a trailing "?" marks an
// optional payload field, anything else is a required payload field.
type Layout struct {
	fields []Field
	prefix string
}

// ParseLayout parses a pipe-delimited layout string.
func ParseLayout(text string) (Layout, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Layout{}, fmt.Errorf("%w: empty", ErrInvalidLayout)
	}

	tokens := strings.Split(text, separator)
	fields := make([]Field, 0, len(tokens))
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "-" || tok == "":
			fields = append(fields, Field{Source: SourceBlank})
		case strings.HasPrefix(tok, "@"):
			name := strings.TrimPrefix(tok, "@")
			if name == "" {
				return Layout{}, fmt.Errorf("%w: slot %d has an empty secret name", ErrInvalidLayout, i)
			}
			fields = append(fields, Field{Name: name, Source: SourceSecret})
		default:
			optional := strings.HasSuffix(tok, "?")
			name := strings.TrimSuffix(tok, "?")
			if name == "" {
				return Layout{}, fmt.Errorf("%w: slot %d has an empty field name", ErrInvalidLayout, i)
			}
			fields = append(fields, Field{Name: name, Source: SourcePayload, Optional: optional})
		}
	}
	return Layout{fields: fields}, nil
}

// MustParseLayout is ParseLayout for package-level defaults.
func MustParseLayout(text string) Layout {
	l, err := ParseLayout(text)
	if err != nil {
		panic(err)
	}
	return l
}

// WithPrefix returns a copy of the layout that prepends the named payload field
// ("value|...") whenever the payload carries a non-empty value for it.
func (l Layout) WithPrefix(field string) Layout {
	fields := make([]Field, len(l.fields))
	copy(fields, l.fields)
	return Layout{fields: fields, prefix: field}
}

// Fields returns the slots in hash order.
func (l Layout) Fields() []Field {
	out := make([]Field, len(l.fields))
	copy(out, l.fields)
	return out
}

// String renders the layout back into its text form.
func (l Layout) String() string {
	tokens := make([]string, len(l.fields))
	for i, f := range l.fields {
		switch f.Source {
		case SourceBlank:
			tokens[i] = "-"
		case SourceSecret:
			tokens[i] = "@" + f.Name
		default:
			tokens[i] = f.Name
			if f.Optional {
				tokens[i] += "?"
			}
		}
	}
	return strings.Join(tokens, separator)
}

// Canonical builds the pipe-joined string the gateway hashes.
func (l Layout) Canonical(values, secrets map[string]string) (string, error) {
	if len(l.fields) == 0 {
		return "", fmt.Errorf("%w: no slots", ErrInvalidLayout)
	}

	parts := make([]string, 0, len(l.fields)+1)
	if l.prefix != "" {
		if v := values[l.prefix]; v != "" {
			parts = append(parts, v)
		}
	}

	for _, f := range l.fields {
		switch f.Source {
		case SourceBlank:
			parts = append(parts, "")
		case SourceSecret:
			v := secrets[f.Name]
			if v == "" {
				return "", fmt.Errorf("%w: %s", ErrMissingSecret, f.Name)
			}
			parts = append(parts, v)
		default:
			v, ok := values[f.Name]
			if !ok && !f.Optional {
				return "", fmt.Errorf("%w: %s", ErrMissingField, f.Name)
			}
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, separator), nil
}

// Hash returns hex(SHA-512(canonical)).
func (l Layout) Hash(values, secrets map[string]string) (string, error) {
	canonical, err := l.Canonical(values, secrets)
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHashChain recomputes the layout hash and compares it with supplied in
// constant time. Missing fields or secrets fail verification.
func VerifyHashChain(l Layout, values, secrets map[string]string, supplied string) bool {
	canonical, err := l.Canonical(values, secrets)
	if err != nil {
		return false
	}
	sum := sha512.Sum512([]byte(canonical))
	return equalHex(sum[:], strings.ToLower(strings.TrimSpace(supplied)))
}
