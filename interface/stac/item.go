package stac

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-spatial/geom/encoding/geojson"
)

const Version = "1.0.0"

// Item is a STAC item (a geojson Feature)
type Item struct {
	Type           string            `json:"type"`
	StacVersion    string            `json:"stac_version"`
	StacExtensions []string          `json:"stac_extensions,omitempty"`
	ID             string            `json:"id"`
	Collection     string            `json:"collection,omitempty"`
	Geometry       *geojson.Geometry `json:"geometry"`
	BBox           []float64         `json:"bbox,omitempty"`
	Properties     Properties        `json:"properties"`
	Assets         map[string]Asset  `json:"assets"`
	Links          []Link            `json:"links"`
}

// Asset of an item
type Asset struct {
	Href        string   `json:"href"`
	Type        string   `json:"type,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Link of an item
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Properties of an item. Properties not handled by the fields are kept in Extra.
type Properties struct {
	Datetime    time.Time
	Platform    string
	Instruments []string
	CloudCover  *float64
	Extra       map[string]interface{}
}

const (
	propDatetime    = "datetime"
	propPlatform    = "platform"
	propInstruments = "instruments"
	propCloudCover  = "eo:cloud_cover"
)

// NewItem returns an empty item
func NewItem(id string) *Item {
	return &Item{
		Type:        "Feature",
		StacVersion: Version,
		ID:          id,
		Properties:  Properties{Extra: map[string]interface{}{}},
		Assets:      map[string]Asset{},
		Links:       []Link{},
	}
}

// Set an extra property
func (p *Properties) Set(key string, value interface{}) {
	if p.Extra == nil {
		p.Extra = map[string]interface{}{}
	}
	p.Extra[key] = value
}

func (p Properties) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(p.Extra)+4)
	for k, v := range p.Extra {
		m[k] = v
	}
	if !p.Datetime.IsZero() {
		m[propDatetime] = p.Datetime.UTC().Format(time.RFC3339Nano)
	} else {
		m[propDatetime] = nil
	}
	if p.Platform != "" {
		m[propPlatform] = p.Platform
	}
	if len(p.Instruments) > 0 {
		m[propInstruments] = p.Instruments
	}
	if p.CloudCover != nil {
		m[propCloudCover] = *p.CloudCover
	}
	return json.Marshal(m)
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*p = Properties{Extra: map[string]interface{}{}}
	for k, raw := range m {
		var err error
		switch k {
		case propDatetime:
			var s *string
			if err = json.Unmarshal(raw, &s); err == nil && s != nil {
				p.Datetime, err = time.Parse(time.RFC3339Nano, *s)
			}
		case propPlatform:
			err = json.Unmarshal(raw, &p.Platform)
		case propInstruments:
			err = json.Unmarshal(raw, &p.Instruments)
		case propCloudCover:
			err = json.Unmarshal(raw, &p.CloudCover)
		default:
			var v interface{}
			err = json.Unmarshal(raw, &v)
			p.Extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("property %s: %w", k, err)
		}
	}
	return nil
}

// ClearVendorEntries removes the assets and links, keeping only the identifying fields
func (i *Item) ClearVendorEntries() {
	i.Assets = map[string]Asset{}
	i.Links = []Link{}
}

// AddAsset adds or replaces the asset key
func (i *Item) AddAsset(key string, asset Asset) {
	if i.Assets == nil {
		i.Assets = map[string]Asset{}
	}
	i.Assets[key] = asset
}

// LoadItem decodes a json item
func LoadItem(data []byte) (*Item, error) {
	item := &Item{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, fmt.Errorf("LoadItem: %w", err)
	}
	if item.ID == "" {
		return nil, fmt.Errorf("LoadItem: item has no id")
	}
	if item.Assets == nil {
		item.Assets = map[string]Asset{}
	}
	return item, nil
}
