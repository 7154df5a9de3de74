package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store writes credential pool changes back to where they were loaded
// from: provider.keys_file when configured, otherwise provider.keys in the
// config file itself. Edits to the config file go through the YAML node
// tree so comments, ordering and ${VAR} placeholders elsewhere survive.
type Store struct {
	path     string
	keysFile string
	mu       sync.Mutex
}

// NewStore creates a store for the config at path. keysFile is the
// resolved provider.keys_file, or empty.
func NewStore(path, keysFile string) *Store {
	return &Store{path: path, keysFile: keysFile}
}

// Path returns the file credential changes are written to.
func (s *Store) Path() string {
	if s.keysFile != "" {
		return s.keysFile
	}
	return s.path
}

// PersistCredentials replaces the stored key list.
func (s *Store) PersistCredentials(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keysFile != "" {
		var buf bytes.Buffer
		for _, k := range keys {
			buf.WriteString(k)
			buf.WriteByte('\n')
		}
		return writeFileAtomic(s.keysFile, buf.Bytes(), 0o600)
	}
	return s.persistInConfig(keys)
}

func (s *Store) persistInConfig(keys []string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return errors.New("config root is not a mapping")
	}

	provider := mappingChild(doc.Content[0], "provider", yaml.MappingNode)
	if provider.Kind != yaml.MappingNode {
		return errors.New("provider is not a mapping")
	}
	seq := mappingChild(provider, "keys", yaml.SequenceNode)
	if seq.Kind != yaml.SequenceNode {
		return errors.New("provider.keys is not a list")
	}
	seq.Content = keyNodes(seq.Content, keys)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	perm := fs.FileMode(0o600)
	if info, err := os.Stat(s.path); err == nil {
		perm = info.Mode().Perm()
	}
	return writeFileAtomic(s.path, buf.Bytes(), perm)
}

// keyNodes builds the new sequence, reusing existing entries whose
// expanded value is still in keys so placeholders are not replaced by the
// secrets they expand to.
func keyNodes(existing []*yaml.Node, keys []string) []*yaml.Node {
	byValue := make(map[string]*yaml.Node, len(existing))
	for _, n := range existing {
		if n.Kind == yaml.ScalarNode {
			byValue[strings.TrimSpace(os.ExpandEnv(n.Value))] = n
		}
	}
	out := make([]*yaml.Node, 0, len(keys))
	for _, k := range keys {
		if n, ok := byValue[k]; ok {
			out = append(out, n)
			delete(byValue, k)
			continue
		}
		out = append(out, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k})
	}
	return out
}

// mappingChild returns the value node for key, adding an empty node of
// kind when the key is missing.
func mappingChild(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		value := m.Content[i+1]
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			*value = yaml.Node{Kind: kind, Line: value.Line, Column: value.Column}
		}
		return value
	}
	value := &yaml.Node{Kind: kind}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
	return value
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteDefault writes the commented default configuration to path. An
// existing file is left alone unless force is set; the returned bool says
// whether a file was written.
func WriteDefault(path string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	if err := writeFileAtomic(path, []byte(defaultYAML), 0o600); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}
	return true, nil
}

const defaultYAML = `version: 1

discord:
  token: ${DISCORD_TOKEN}
  # Used as the bot identity until the gateway reports it.
  client_id: ""
  typing_interval: 10s
  # Exchanges running at once; 0 is unlimited.
  max_concurrent: 0

provider:
  # openai or anthropic
  name: openai
  base_url: ""
  keys:
    - ${OPENAI_API_KEY}
  # keys_file: keys.txt
  model: gpt-4o-mini
  temperature: 0.6
  top_p: null
  frequency_penalty: 0.6
  presence_penalty: null
  max_tokens: 4096
  stream: true
  attempt_timeout: 60s
  max_attempts: 5

completion:
  system_message: You are a helpful assistant.
  shape_ratio: 0.75
  min_output_tokens: 256
  # 0 derives the budget from shape_ratio * max_tokens.
  history_budget: 0
  # chars or tokens
  length_unit: chars
  encoding: cl100k_base
  failure_message: Something went wrong on my side. Please try again in a bit.

delivery:
  max_inline_length: 2000
  attachment_name: message.txt
  min_edit_interval: 1s

attachments:
  enabled: true
  max_size: 102400
  cache_size: 256

logging:
  level: info
  format: json
  file: ""
  max_size_mb: 50
  max_backups: 3
  max_age_days: 28

observability:
  metrics_addr: ""
  tracing:
    endpoint: ""
    insecure: false
    sample_ratio: 1
    service_name: relay
`
