package ux

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// flatUser is a User plus an always-empty reports placeholder, the shape
// spec §6 describes for users_flat.json: a flat per-user record whose
// nested reports array is left as an empty placeholder since the actual
// reporting line is carried separately by org_tree.json and
// org_for_viewer.json.
type flatUser struct {
	User
	Reports []string `json:"reports"`
}

// WriteOutputs writes the three files spec §6 names into dir:
// users_flat.json, org_for_viewer.json, org_tree.json.
func WriteOutputs(dir string, users []User, roots []*TreeNode, flat []FlatViewNode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ux: create output dir %s: %w", dir, err)
	}

	flatUsers := make([]flatUser, 0, len(users))
	for _, u := range users {
		flatUsers = append(flatUsers, flatUser{User: u, Reports: []string{}})
	}
	sort.Slice(flatUsers, func(i, j int) bool { return flatUsers[i].DisplayName < flatUsers[j].DisplayName })

	if err := writeJSON(filepath.Join(dir, "users_flat.json"), flatUsers); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "org_for_viewer.json"), flat); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "org_tree.json"), roots); err != nil {
		return err
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ux: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ux: write %s: %w", path, err)
	}
	return nil
}
