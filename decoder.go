// SPDX-FileCopyrightText: 2024 NOI Techpark <digital@noi.bz.it>
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package apisync

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// DecoderKind is the closed set of body decoders (§4.4).
type DecoderKind string

const (
	DecoderJSON  DecoderKind = "json"
	DecoderJSONL DecoderKind = "jsonl"
	DecoderCSV   DecoderKind = "csv"
	DecoderXML   DecoderKind = "xml"
)

// DecoderConfig selects and configures a decoder (§4.4).
type DecoderConfig struct {
	Type          DecoderKind `yaml:"type,omitempty" json:"type,omitempty"`
	RecordElement string      `yaml:"record_element,omitempty" json:"record_element,omitempty"`
}

func (d DecoderConfig) typeOrDefault() DecoderKind {
	if d.Type == "" {
		return DecoderJSON
	}
	return d.Type
}

// Decode transforms raw response bytes into a decoded body. For "json" the
// whole body is parsed and handed to the extractor untouched; the other
// three variants already yield a record sequence directly (§4.4), wrapped
// here as []interface{} so a uniform record_path of "$" or "$[*]" works
// against any decoder's output.
func Decode(body []byte, cfg DecoderConfig) (interface{}, error) {
	switch cfg.typeOrDefault() {
	case DecoderJSON:
		return decodeJSON(body)
	case DecoderJSONL:
		return decodeJSONL(body)
	case DecoderCSV:
		return decodeCSV(body)
	case DecoderXML:
		return decodeXML(body, cfg.RecordElement)
	default:
		return nil, newErrf(KindDecodeError, "", "unsupported decoder type %q", cfg.Type)
	}
}

func decodeJSON(body []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, newErr(KindDecodeError, "json", err)
	}
	return v, nil
}

func decodeJSONL(body []byte) (interface{}, error) {
	var records []interface{}
	for i, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, newErrf(KindDecodeError, "jsonl", "malformed line %d: %w", i+1, err)
		}
		records = append(records, v)
	}
	return records, nil
}

func decodeCSV(body []byte) (interface{}, error) {
	r := csv.NewReader(bytes.NewReader(body))
	header, err := r.Read()
	if err == io.EOF {
		return []interface{}{}, nil
	}
	if err != nil {
		return nil, newErr(KindDecodeError, "csv", err)
	}

	var records []interface{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newErr(KindDecodeError, "csv", err)
		}
		// No numeric/boolean coercion is performed (§4.4): every field is
		// carried as its raw string value.
		rec := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			} else {
				rec[col] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// xmlNode is a generic XML element tree used as the intermediate
// representation before flattening into the "@attr"/"#text" map shape
// §4.4 requires. encoding/xml has no built-in map decoding, so this is a
// small hand-rolled tree walker — justified in DESIGN.md since no XML
// library appears anywhere in the example pack.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  []byte     `xml:",innerxml"`
	Children []xmlNode  `xml:",any"`
}

func decodeXML(body []byte, recordElement string) (interface{}, error) {
	if recordElement == "" {
		return nil, newErrf(KindDecodeError, "xml", "record_element is required for the xml decoder")
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	var records []interface{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newErr(KindDecodeError, "xml", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != recordElement {
			continue
		}
		var node xmlNode
		if err := dec.DecodeElement(&node, &start); err != nil {
			return nil, newErr(KindDecodeError, "xml", err)
		}
		records = append(records, flattenXMLNode(node))
	}
	return records, nil
}

func flattenXMLNode(n xmlNode) map[string]interface{} {
	out := map[string]interface{}{}
	for _, a := range n.Attrs {
		out["@"+a.Name.Local] = a.Value
	}
	if len(n.Children) == 0 {
		text := strings.TrimSpace(string(n.Content))
		if text != "" {
			out["#text"] = text
		}
		return out
	}
	for _, child := range n.Children {
		out[child.XMLName.Local] = flattenXMLNode(child)
	}
	return out
}
