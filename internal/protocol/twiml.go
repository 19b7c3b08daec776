package protocol

import (
	"encoding/xml"
	"fmt"
	"sort"
)

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectStreamDocument renders the voice webhook response that connects the
// call to the media websocket at streamURL. Parameters are emitted in key
// order so the output is stable.
func ConnectStreamDocument(streamURL string, params map[string]string) ([]byte, error) {
	if streamURL == "" {
		return nil, fmt.Errorf("stream url is required")
	}

	doc := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters,
			twimlParameter{Name: k, Value: params[k]})
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal stream document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
