// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"io"
)

// Stanza is one buffered top level stream element. Raw holds the
// complete serialized element, suitable for Decode or re-send.
type Stanza struct {
	Name xml.Name
	Raw  []byte
}

// Decode unmarshals the stanza into v.
func (st Stanza) Decode(v interface{}) error {
	return xml.Unmarshal(st.Raw, v)
}

// String returns the serialized form.
func (st Stanza) String() string {
	return string(st.Raw)
}

// randomID returns a fresh unique stanza identifier.
func randomID() string {
	var b [8]byte
	// rand.Read never returns an error per the documentation.
	rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// attrValue returns the value of the named attribute on the stanza's
// root element, or the empty string.
func attrValue(st Stanza, name string) string {
	d := xml.NewDecoder(bytes.NewReader(st.Raw))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if start, ok := tok.(xml.StartElement); ok {
			for _, a := range start.Attr {
				if a.Name.Local == name {
					return a.Value
				}
			}
			return ""
		}
	}
}

// rewriteRoot re-encodes the serialized element, stamping the root
// start element with a from attribute (when from is non-empty and the
// element has none) and, when ensureID is set, with a generated id
// attribute if it has none.
func rewriteRoot(b []byte, from string, ensureID bool) ([]byte, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	var buf bytes.Buffer
	e := xml.NewEncoder(&buf)

	rewrote := false
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok && !rewrote {
			rewrote = true
			hasFrom, hasID := false, false
			for _, a := range start.Attr {
				switch a.Name.Local {
				case "from":
					hasFrom = a.Value != ""
				case "id":
					hasID = a.Value != ""
				}
			}
			attrs := make([]xml.Attr, 0, len(start.Attr)+2)
			for _, a := range start.Attr {
				if (a.Name.Local == "from" || a.Name.Local == "id") && a.Value == "" {
					continue
				}
				attrs = append(attrs, a)
			}
			if from != "" && !hasFrom {
				attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "from"}, Value: from})
			}
			if ensureID && !hasID {
				attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "id"}, Value: randomID()})
			}
			start.Attr = attrs
			tok = start
		}
		if err := e.EncodeToken(tok); err != nil {
			return nil, err
		}
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stanzaID extracts the id attribute from the root element of a
// serialized stanza.
func stanzaID(b []byte) (string, error) {
	st := Stanza{Raw: b}
	id := attrValue(st, "id")
	if id == "" {
		return "", fmt.Errorf("session: stanza has no id attribute")
	}
	return id, nil
}
