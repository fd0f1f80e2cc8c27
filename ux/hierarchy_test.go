package ux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHierarchySortsChildrenAlphabetically(t *testing.T) {
	users := []User{
		{ID: "1", DisplayName: "Boss"},
		{ID: "2", DisplayName: "Zed"},
		{ID: "3", DisplayName: "Alice"},
	}
	managerOf := map[string]string{"2": "1", "3": "1"}

	roots, flat := BuildHierarchy(users, managerOf)
	require.Len(t, roots, 1)
	require.Len(t, roots[0].Reports, 2)
	assert.Equal(t, "Alice", roots[0].Reports[0].DisplayName)
	assert.Equal(t, "Zed", roots[0].Reports[1].DisplayName)
	assert.Len(t, flat, 3)
}

func TestBuildHierarchyBreaksCycles(t *testing.T) {
	users := []User{
		{ID: "A", DisplayName: "A"},
		{ID: "B", DisplayName: "B"},
	}
	managerOf := map[string]string{"A": "B", "B": "A"}

	roots, _ := BuildHierarchy(users, managerOf)
	assert.Len(t, roots, 2, "a cycle demotes every member to a root rather than recursing forever")
}

func TestBuildHierarchyFlatViewFallsBackToIDWhenNameMissing(t *testing.T) {
	users := []User{{ID: "no-name-id"}}
	_, flat := BuildHierarchy(users, nil)
	require.Len(t, flat, 1)
	assert.Equal(t, "no-name-id", flat[0].DisplayName)
}

func TestLoadManagersFileChildToManagerShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "managers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"child1":"mgr1","child2":"mgr1"}`), 0o644))

	m, err := LoadManagersFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mgr1", m["child1"])
	assert.Equal(t, "mgr1", m["child2"])
}

func TestLoadManagersFileManagerToReportsShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manager_map.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mgr1":["child1","child2"]}`), 0o644))

	m, err := LoadManagersFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mgr1", m["child1"])
	assert.Equal(t, "mgr1", m["child2"])
}

func TestLoadManagersFileListOfReportsObjectsShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"managerId":"mgr1","reports":["child1","child2"]}]`), 0o644))

	m, err := LoadManagersFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mgr1", m["child1"])
}

func TestLoadManagersFileListOfPairsShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"child1","managerId":"mgr1"}]`), 0o644))

	m, err := LoadManagersFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mgr1", m["child1"])
}

func TestAutodetectManagersFilePrefersExplicitOverride(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	explicit := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(explicit, []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile("managers.json", []byte(`{}`), 0o644))

	found, ok := AutodetectManagersFile(explicit)
	require.True(t, ok)
	assert.Equal(t, explicit, found)
}

func TestAutodetectManagersFileReturnsFalseWhenNoneExist(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	_, ok := AutodetectManagersFile("")
	assert.False(t, ok)
}
