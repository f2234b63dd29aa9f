package fda

import (
	"encoding/json"
	"strings"
)

type searchResponse struct {
	Results []productResult `json:"results"`
}

type productResult struct {
	ProductNDC            string       `json:"product_ndc"`
	GenericName           string       `json:"generic_name"`
	BrandName             string       `json:"brand_name"`
	LabelerName           string       `json:"labeler_name"`
	DosageForm            string       `json:"dosage_form"`
	Route                 stringList   `json:"route"`
	MarketingCategory     string       `json:"marketing_category"`
	MarketingStatus       string       `json:"marketing_status"`
	ListingExpirationDate string       `json:"listing_expiration_date"`
	ActiveIngredients     []ingredient `json:"active_ingredients"`
	Packaging             []packaging  `json:"packaging"`
}

type ingredient struct {
	Name     string `json:"name"`
	Strength string `json:"strength"`
}

type packaging struct {
	PackageNDC  string `json:"package_ndc"`
	Description string `json:"description"`
}

// stringList accepts either a JSON array of strings or a single string
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single = strings.TrimSpace(single); single != "" {
		*s = stringList{single}
	} else {
		*s = stringList{}
	}
	return nil
}
