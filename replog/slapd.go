package replog

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/maxpert/ldapnotify/common"
)

// SlapdFormat parses slapd replog blocks. A block is a set of LDIF style
// lines terminated by a blank line:
//
//	replica: ldap.example.com:7389
//	time: 1112222333
//	dn: uid=alice,ou=people,dc=example,dc=com
//	changetype: modify
//	replace: mail
//	mail: alice@example.com
//	-
//
// The block text is kept as the entry body for add and modify.
type SlapdFormat struct{}

func (SlapdFormat) Name() string { return "replog" }

func (SlapdFormat) Next(data []byte) (Record, int, error) {
	lead := 0
	for lead < len(data) && (data[lead] == '\n' || data[lead] == '\r') {
		lead++
	}
	rest := data[lead:]
	end, next := blockEnd(rest)
	if next < 0 {
		return Record{}, 0, nil
	}
	block := rest[:end]
	n := lead + next

	rec, err := parseBlock(block)
	if err != nil {
		return Record{}, n, err
	}
	return rec, n, nil
}

// blockEnd finds the blank line terminating the block at the start of data.
// A line holding only "\r" counts as blank. Returns the length of the block
// text, including its last newline, and the offset just past the blank
// line; next is -1 while the block is unterminated.
func blockEnd(data []byte) (end, next int) {
	pos := 0
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			return 0, -1
		}
		line := bytes.TrimSuffix(data[pos:pos+nl], []byte("\r"))
		if len(line) == 0 && pos > 0 {
			return pos, pos + nl + 1
		}
		pos += nl + 1
	}
	return 0, -1
}

type ldifLine struct {
	key   string
	value string
}

// unfold joins continuation lines (leading single space) and splits
// "key: value" / "key:: base64" pairs.
func unfold(block []byte) ([]ldifLine, error) {
	var raw []string
	for _, l := range strings.Split(strings.TrimRight(string(block), "\n"), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.HasPrefix(l, " ") && len(raw) > 0 {
			raw[len(raw)-1] += l[1:]
			continue
		}
		raw = append(raw, l)
	}

	lines := make([]ldifLine, 0, len(raw))
	for _, l := range raw {
		if l == "-" || strings.HasPrefix(l, "#") {
			continue
		}
		key, value, ok := strings.Cut(l, ":")
		if !ok {
			return nil, fmt.Errorf("%w: line %q", ErrMalformed, l)
		}
		if strings.HasPrefix(value, ":") {
			dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value[1:]))
			if err != nil {
				return nil, fmt.Errorf("%w: base64 value of %s: %v", ErrMalformed, key, err)
			}
			value = string(dec)
		} else {
			value = strings.TrimSpace(value)
		}
		lines = append(lines, ldifLine{key: strings.ToLower(strings.TrimSpace(key)), value: value})
	}
	return lines, nil
}

func parseBlock(block []byte) (Record, error) {
	lines, err := unfold(block)
	if err != nil {
		return Record{}, err
	}

	var rec Record
	var changeType, deleteOldRDN string
	for _, l := range lines {
		switch l.key {
		case "dn":
			if rec.DN == "" {
				rec.DN = l.value
			}
		case "changetype":
			changeType = strings.ToLower(l.value)
		case "newrdn":
			rec.NewRDN = l.value
		case "deleteoldrdn":
			deleteOldRDN = l.value
		case "newsuperior":
			rec.NewSuperior = l.value
		}
	}

	if rec.DN == "" {
		return Record{}, fmt.Errorf("%w: block without dn", ErrMalformed)
	}

	switch changeType {
	case "add":
		rec.Command = common.CommandAdd
		rec.Body = bytes.Clone(block)
	case "modify":
		rec.Command = common.CommandModify
		rec.Body = bytes.Clone(block)
	case "delete":
		rec.Command = common.CommandDelete
	case "modrdn", "moddn":
		if rec.NewRDN == "" {
			return Record{}, fmt.Errorf("%w: %s of %s without newrdn", ErrMalformed, changeType, rec.DN)
		}
		switch deleteOldRDN {
		case "1":
			rec.DeleteOldRDN = true
		case "0":
		default:
			return Record{}, fmt.Errorf("%w: %s of %s has deleteoldrdn %q", ErrMalformed, changeType, rec.DN, deleteOldRDN)
		}
		rec.ModRDN = true
		rec.Command = common.CommandDelete
	case "":
		return Record{}, fmt.Errorf("%w: %s has no changetype", ErrMalformed, rec.DN)
	default:
		return Record{}, fmt.Errorf("%w: %s has unknown changetype %q", ErrMalformed, rec.DN, changeType)
	}
	return rec, nil
}
