package message

import (
	"encoding/xml"
	"strings"
)

// Element is a generic XML node used as the structured view of image and
// app-message content.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []*Element `xml:",any"`
}

// ParseXML parses content into an element tree.
func ParseXML(content string) (*Element, error) {
	var root Element
	if err := xml.Unmarshal([]byte(content), &root); err != nil {
		return nil, err
	}

	return &root, nil
}

// Name returns the local element name.
func (e *Element) Name() string {
	if e == nil {
		return ""
	}

	return e.XMLName.Local
}

// Attr returns the value of the named attribute, or "" when absent.
func (e *Element) Attr(name string) string {
	if e == nil {
		return ""
	}

	for _, attr := range e.Attrs {
		if attr.Name.Local == name {
			return attr.Value
		}
	}

	return ""
}

// Child returns the first direct child with the given name.
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}

	for _, child := range e.Children {
		if child.Name() == name {
			return child
		}
	}

	return nil
}

// Find returns the first descendant (depth-first, document order) with the given name.
func (e *Element) Find(name string) *Element {
	if e == nil {
		return nil
	}

	for _, child := range e.Children {
		if child.Name() == name {
			return child
		}
		if found := child.Find(name); found != nil {
			return found
		}
	}

	return nil
}

// TextValue returns the trimmed character data of e.
func (e *Element) TextValue() string {
	if e == nil {
		return ""
	}

	return strings.TrimSpace(e.Text)
}
