// Package config parses the klipper-dialect ini configuration used by the
// MMU motion host. Options are tracked on access so unused sections and
// options can be reported after bring-up.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c := New()
	if err := c.parse(bufio.NewScanner(f)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// LoadString parses a configuration from a string.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(bufio.NewScanner(strings.NewReader(data))); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(scanner *bufio.Scanner) error {
	var curName string
	var curOptions map[string]string
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if curName != "" {
				c.addSection(curName, curOptions)
			}
			curName = strings.TrimSpace(line[1 : len(line)-1])
			if curName == "" {
				return fmt.Errorf("empty section header at line %d", lineNum)
			}
			curOptions = make(map[string]string)
			continue
		}
		if curName == "" {
			// Options before any section header are ignored.
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			return fmt.Errorf("malformed option at line %d: %q", lineNum, line)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		curOptions[key] = strings.TrimSpace(kv[1])
	}
	if curName != "" {
		c.addSection(curName, curOptions)
	}
	return scanner.Err()
}

func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name, or an error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessed[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a Section if it exists, or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// PrefixSections returns all sections whose name starts with prefix,
// in file order.
func (c *Config) PrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessed[name] = struct{}{}
			out = append(out, c.sections[name])
		}
	}
	return out
}

// UnusedSections returns the names of sections never accessed.
func (c *Config) UnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for name := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CheckUnusedOptions returns an error if any accessed section has options
// that were never read.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	for name := range c.accessed {
		sec := c.sections[name]
		if sec == nil {
			continue
		}
		if unused := sec.UnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
