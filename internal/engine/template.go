package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/store"
)

// Template describes a class of tasks. Templates are immutable after
// registration.
type Template struct {
	TemplateID     string          `json:"templateId"`
	Name           string          `json:"name"`
	ProviderPeerID string          `json:"providerPeerId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

func (tpl *Template) persist(st store.Store) error {
	raw, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encoding template %s: %w", tpl.TemplateID, err)
	}
	if err := st.Put(store.TemplateKey(tpl.TemplateID), raw); err != nil {
		return fmt.Errorf("persisting template %s: %w", tpl.TemplateID, err)
	}
	return nil
}

func loadTemplates(st store.Store) (map[string]*Template, error) {
	entries, err := st.List(store.PrefixTemplate)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	templates := make(map[string]*Template, len(entries))
	for _, e := range entries {
		var tpl Template
		if err := json.Unmarshal(e.Value, &tpl); err != nil {
			return nil, fmt.Errorf("decoding template %s: %w", e.Key, err)
		}
		templates[tpl.TemplateID] = &tpl
	}
	return templates, nil
}
