package toolset

import (
	"encoding/xml"
	"fmt"
	"sort"
)

type availableToolItem struct {
	Module      string `xml:"module,attr"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Usage       string `xml:"usage,omitempty"`
}

type availableTools struct {
	XMLName xml.Name            `xml:"available_tools"`
	Tools   []availableToolItem `xml:"tool"`
}

// PromptXML renders the invocable tools as an <available_tools> block for an
// agent's system prompt. Dropped duplicates are not listed.
func (ts *Toolset) PromptXML() (string, error) {
	items := make([]availableToolItem, 0, len(ts.stubs))
	for _, s := range ts.stubs {
		items = append(items, availableToolItem{
			Module:      string(s.ModuleID),
			Name:        s.Spec.Name,
			Description: s.Spec.Description,
			Usage:       s.Spec.Usage,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	b, err := xml.MarshalIndent(availableTools{Tools: items}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("xml encode: %w", err)
	}
	return string(b), nil
}
