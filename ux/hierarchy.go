package ux

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// managersFileCandidates is the fixed search order for a local manager
// override file, checked before falling back to the directory's batch
// API (spec_full §11 / original autodetect_managers_path).
var managersFileCandidates = []string{
	"managers.json",
	"manager_map.json",
	"managers_map.json",
	"child_to_manager.json",
}

// AutodetectManagersFile returns the first existing path among an
// explicit override (if non-empty) and the fixed candidate list.
func AutodetectManagersFile(explicit string) (string, bool) {
	candidates := append([]string{explicit}, managersFileCandidates...)
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// LoadManagersFile parses a local manager override file in any of the
// four shapes the original tool accepted:
//
//	{ childId: managerId, ... }
//	{ managerId: [childId, ...], ... }
//	[ {"managerId":"...", "reports":[...]}, ... ]
//	[ {"id":"childId", "managerId":"..."}, ... ]
func LoadManagersFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ux: read managers file: %w", err)
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asObject); err == nil {
		return parseManagersObject(asObject)
	}

	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return parseManagersArray(asArray)
	}

	return nil, fmt.Errorf("ux: unsupported managers file format: %s", path)
}

func parseManagersObject(obj map[string]json.RawMessage) (map[string]string, error) {
	childToManager := make(map[string]string, len(obj))

	anyList := false
	for _, v := range obj {
		var arr []string
		if json.Unmarshal(v, &arr) == nil {
			anyList = true
			break
		}
	}

	if anyList {
		for manager, v := range obj {
			var kids []string
			if err := json.Unmarshal(v, &kids); err != nil {
				continue
			}
			for _, k := range kids {
				childToManager[k] = manager
			}
		}
		return childToManager, nil
	}

	for child, v := range obj {
		var manager string
		if err := json.Unmarshal(v, &manager); err != nil {
			continue
		}
		childToManager[child] = manager
	}
	return childToManager, nil
}

func parseManagersArray(arr []json.RawMessage) (map[string]string, error) {
	childToManager := make(map[string]string, len(arr))
	for _, raw := range arr {
		var row struct {
			ID        string   `json:"id"`
			ManagerID string   `json:"managerId"`
			Reports   []string `json:"reports"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if len(row.Reports) > 0 {
			for _, k := range row.Reports {
				childToManager[k] = row.ManagerID
			}
			continue
		}
		if row.ID != "" {
			childToManager[row.ID] = row.ManagerID
		}
	}
	return childToManager, nil
}

// managerChainCycles reports whether following managerOf from id
// eventually loops back to id, which would otherwise make the reports
// forest non-acyclic (spec §3 User invariant). A user caught in a cycle
// is demoted to a root instead of being attached to its manager.
func managerChainCycles(managerOf map[string]string, id string) bool {
	seen := map[string]bool{id: true}
	cur := managerOf[id]
	for cur != "" {
		if cur == id {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
		cur = managerOf[cur]
	}
	return false
}

// BuildHierarchy assigns managerId from managerOf, links each user into
// its manager's reports, sorts children alphabetically by lowercased
// display name at every level, and returns the root nodes plus a flat
// view suitable for org_for_viewer.json (spec §3 User invariants,
// original build_hierarchy).
func BuildHierarchy(users []User, managerOf map[string]string) (roots []*TreeNode, flat []FlatViewNode) {
	nodes := make(map[string]*TreeNode, len(users))
	for _, u := range users {
		u := u
		u.ManagerID = managerOf[u.ID]
		nodes[u.ID] = &TreeNode{User: u}
	}

	var rootList []*TreeNode
	for _, n := range nodes {
		if n.ManagerID != "" && !managerChainCycles(managerOf, n.ID) {
			if parent, ok := nodes[n.ManagerID]; ok {
				parent.Reports = append(parent.Reports, n)
				continue
			}
		}
		rootList = append(rootList, n)
	}

	var sortRecursive func(n *TreeNode)
	sortRecursive = func(n *TreeNode) {
		sort.Slice(n.Reports, func(i, j int) bool {
			return strings.ToLower(n.Reports[i].DisplayName) < strings.ToLower(n.Reports[j].DisplayName)
		})
		for _, c := range n.Reports {
			sortRecursive(c)
		}
	}
	sort.Slice(rootList, func(i, j int) bool {
		return strings.ToLower(rootList[i].DisplayName) < strings.ToLower(rootList[j].DisplayName)
	})
	for _, r := range rootList {
		sortRecursive(r)
	}

	flat = make([]FlatViewNode, 0, len(users))
	for _, u := range users {
		n := nodes[u.ID]
		reportIDs := make([]string, 0, len(n.Reports))
		for _, c := range n.Reports {
			reportIDs = append(reportIDs, c.ID)
		}
		name := n.DisplayName
		if name == "" {
			name = n.MailNickname
		}
		if name == "" {
			name = n.UserPrincipalName
		}
		if name == "" {
			name = n.ID
		}
		flat = append(flat, FlatViewNode{
			ID:                n.ID,
			DisplayName:       name,
			UserPrincipalName: n.UserPrincipalName,
			MailNickname:      n.MailNickname,
			JobTitle:          n.JobTitle,
			Department:        n.Department,
			ManagerID:         n.ManagerID,
			Reports:           reportIDs,
		})
	}

	return rootList, flat
}
