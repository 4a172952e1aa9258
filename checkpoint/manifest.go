package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestName is the inventory file written next to the artifacts in
// every checkpoint directory.
const ManifestName = "MANIFEST"

// Manifest lists every artifact in a checkpoint directory with its
// byte size. Load compares the directory against it to detect partial
// or tampered checkpoints.
type Manifest struct {
	OperationID string           `yaml:"operation_id"`
	Artifacts   map[string]int64 `yaml:"artifacts"`
}

// writeManifest writes the MANIFEST file for a staged artifact set and
// returns the total artifact byte count.
func writeManifest(dir, operationID string, artifacts map[string][]byte) (int64, error) {
	m := Manifest{
		OperationID: operationID,
		Artifacts:   make(map[string]int64, len(artifacts)),
	}
	var total int64
	for name, data := range artifacts {
		m.Artifacts[name] = int64(len(data))
		total += int64(len(data))
	}

	out, err := yaml.Marshal(&m)
	if err != nil {
		return 0, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), out, 0644); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}

	return total, nil
}

// readManifest parses the MANIFEST file in a checkpoint directory.
func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return m, nil
}

// verifyArtifacts checks a checkpoint directory against its manifest:
// every listed artifact must exist with the recorded size, and no
// unlisted files may be present. It returns a human-readable reason on
// mismatch.
func verifyArtifacts(dir string) (reason string, err error) {
	m, err := readManifest(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "manifest missing", nil
		}
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	found := make(map[string]int64)
	for _, entry := range entries {
		if entry.Name() == ManifestName || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", err
		}
		found[entry.Name()] = info.Size()
	}

	var names []string
	for name := range m.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		size, ok := found[name]
		if !ok {
			return fmt.Sprintf("artifact %s missing", name), nil
		}
		if size != m.Artifacts[name] {
			return fmt.Sprintf("artifact %s has %d bytes, manifest records %d", name, size, m.Artifacts[name]), nil
		}
		delete(found, name)
	}
	for name := range found {
		return fmt.Sprintf("unlisted file %s present", name), nil
	}

	return "", nil
}
