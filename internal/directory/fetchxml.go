package directory

import (
	"encoding/xml"
	"strings"
)

// formattedValueAnnotation is the sibling key suffix the directory
// attaches to attributes when display labels are requested.
const formattedValueAnnotation = "@OData.Community.Display.V1.FormattedValue"

// Fetch is a structured directory query: an entity with attributes,
// ordering, filter conditions and nested link-entities. It serializes
// to the directory's XML query dialect.
type Fetch struct {
	XMLName  xml.Name `xml:"fetch"`
	Distinct bool     `xml:"distinct,attr,omitempty"`
	Entity   Entity   `xml:"entity"`
}

type Entity struct {
	Name       string      `xml:"name,attr"`
	Attributes []Attribute `xml:"attribute"`
	Orders     []Order     `xml:"order"`
	Filter     *Filter     `xml:"filter"`
	Links      []Link      `xml:"link-entity"`
}

type Attribute struct {
	Name string `xml:"name,attr"`
}

type Order struct {
	Attribute  string `xml:"attribute,attr"`
	Descending bool   `xml:"descending,attr,omitempty"`
}

type Filter struct {
	Type       string      `xml:"type,attr,omitempty"`
	Conditions []Condition `xml:"condition"`
}

type Condition struct {
	Attribute string `xml:"attribute,attr"`
	Operator  string `xml:"operator,attr"`
	Value     string `xml:"value,attr,omitempty"`
	UIType    string `xml:"uitype,attr,omitempty"`
}

type Link struct {
	Name       string      `xml:"name,attr"`
	From       string      `xml:"from,attr"`
	To         string      `xml:"to,attr"`
	Alias      string      `xml:"alias,attr,omitempty"`
	Attributes []Attribute `xml:"attribute"`
	Filter     *Filter     `xml:"filter"`
	Links      []Link      `xml:"link-entity"`
}

// Attrs is a shorthand for building attribute lists.
func Attrs(names ...string) []Attribute {
	out := make([]Attribute, len(names))
	for i, n := range names {
		out[i] = Attribute{Name: n}
	}
	return out
}

// XML serializes the query.
func (f *Fetch) XML() (string, error) {
	b, err := xml.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NormalizeRows flattens dotted linked-entity attribute paths into a
// single-level key space ("alias.attr" becomes "alias__attr") and moves
// formatted-value annotations to a "<key>__label" companion so the raw
// value is never overwritten.
func NormalizeRows(rows []Row) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		n := make(Row, len(r))
		for k, v := range r {
			if strings.Contains(k, formattedValueAnnotation) {
				base := strings.SplitN(k, "@", 2)[0]
				n[strings.ReplaceAll(base, ".", "__")+"__label"] = v
				continue
			}
			n[strings.ReplaceAll(k, ".", "__")] = v
		}
		out = append(out, n)
	}
	return out
}
