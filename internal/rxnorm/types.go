package rxnorm

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type approximateResponse struct {
	ApproximateGroup struct {
		InputTerm string                 `json:"inputTerm"`
		Candidate []approximateCandidate `json:"candidate"`
	} `json:"approximateGroup"`
}

type approximateCandidate struct {
	RxCUI  string `json:"rxcui"`
	Name   string `json:"name"`
	Score  string `json:"score"`
	Rank   string `json:"rank"`
	Source string `json:"source"`
}

type relatedResponse struct {
	RelatedGroup struct {
		ConceptGroup []conceptGroup `json:"conceptGroup"`
	} `json:"relatedGroup"`
}

type conceptGroup struct {
	TTY               string `json:"tty"`
	ConceptProperties []struct {
		RxCUI string `json:"rxcui"`
		Name  string `json:"name"`
	} `json:"conceptProperties"`
}

// ingredient returns the first IN concept name, else the first PIN
func (r relatedResponse) ingredient() string {
	for _, tty := range []string{"IN", "PIN"} {
		for _, g := range r.RelatedGroup.ConceptGroup {
			if g.TTY == tty && len(g.ConceptProperties) > 0 && g.ConceptProperties[0].Name != "" {
				return g.ConceptProperties[0].Name
			}
		}
	}
	return ""
}

type termsExtras struct {
	RxCUIs     [][]string `json:"RXCUIS"`
	SXDGRxCUIs []string   `json:"SXDG_RXCUI"`
}

// parseTerms decodes the positional RxTerms reply
// [total, codes, extras, displayStrings, ...] into candidates.
func parseTerms(body []byte) ([]Candidate, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("decode rxterms reply: %w", err)
	}
	if len(parts) < 4 {
		return nil, fmt.Errorf("rxterms reply has %d elements, want at least 4", len(parts))
	}

	var extras termsExtras
	if len(parts[2]) > 0 && string(parts[2]) != "null" {
		if err := json.Unmarshal(parts[2], &extras); err != nil {
			return nil, fmt.Errorf("decode rxterms extras: %w", err)
		}
	}

	var display []json.RawMessage
	if err := json.Unmarshal(parts[3], &display); err != nil {
		return nil, fmt.Errorf("decode rxterms display strings: %w", err)
	}

	candidates := make([]Candidate, 0, len(display))
	for i, raw := range display {
		name := displayName(raw)
		if name == "" {
			continue
		}

		var id string
		if i < len(extras.SXDGRxCUIs) {
			id = extras.SXDGRxCUIs[i]
		}
		if id == "" && i < len(extras.RxCUIs) && len(extras.RxCUIs[i]) > 0 {
			id = extras.RxCUIs[i][0]
		}

		candidates = append(candidates, Candidate{
			CanonicalID: id,
			Name:        name,
			Score:       "100",
			Rank:        strconv.Itoa(i + 1),
		})
	}
	return candidates, nil
}

// displayName accepts ["NAME"] or "NAME"
func displayName(raw json.RawMessage) string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return ""
}
