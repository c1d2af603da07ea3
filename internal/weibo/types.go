package weibo

import (
	"bytes"
	"encoding/json"
)

type indexResponse struct {
	OK   int        `json:"ok"`
	Data *indexData `json:"data"`
}

type indexData struct {
	Cards []card `json:"cards"`
}

type card struct {
	CardType int    `json:"card_type"`
	Mblog    *mblog `json:"mblog"`
}

type mblog struct {
	ID         flexID `json:"id"`
	Text       string `json:"text"`
	IsLongText bool   `json:"isLongText"`
	Pics       []pic  `json:"pics"`
	Retweeted  *mblog `json:"retweeted_status"`
}

type pic struct {
	URL   string `json:"url"`
	Large struct {
		URL string `json:"url"`
	} `json:"large"`
}

func (m *mblog) mediaURLs() []string {
	var out []string
	for _, p := range m.Pics {
		u := p.Large.URL
		if u == "" {
			u = p.URL
		}
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

type showResponse struct {
	OK   int `json:"ok"`
	Data *struct {
		Text string `json:"text"`
	} `json:"data"`
}

// flexID accepts ids encoded either as JSON strings or as bare numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
