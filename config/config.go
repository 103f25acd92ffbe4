// Package config loads the yaml configuration of the daemon and notifies
// registered components when it is reloaded.
package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C holds the merged settings of all loaded configuration files.
type C struct {
	path        string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           logrus.FieldLogger
	reloadLock  sync.Mutex
}

func NewC(l logrus.FieldLogger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads the file at path, or every yaml file within path if it is a
// directory, and merges them in lexical order. Later files override scalar
// values of earlier ones and append to their lists.
func (c *C) Load(path string) error {
	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	var m map[string]any
	for i, b := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(b), &nm); err != nil {
			return fmt.Errorf("config file %d: %w", i, err)
		}
		if nm == nil {
			continue
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return err
		}
		m = nm
	}

	c.path = path
	c.setSettings(m)
	return nil
}

// LoadString replaces the settings with the given yaml document.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	c.setSettings(m)
	return nil
}

func (c *C) setSettings(m map[string]any) {
	if m == nil {
		m = make(map[string]any)
	}
	c.Settings = m
}

// RegisterReloadCallback stores a function to be called after the config was
// reloaded. Callbacks should use HasChanged to decide whether they need to act
// and return quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad returns true if ReloadConfig was not called yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value of k differs between the current and
// the previous settings. Both values are compared in their yaml form. An empty
// k compares the whole configuration.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}

	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the configuration from the path given to Load whenever the
// process receives SIGHUP, until ctx ends.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

// ReloadConfig loads the configuration again from the path given to Load and
// runs the reload callbacks. A configuration that fails to load keeps the
// previous settings in place.
func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
}

// ReloadConfigString replaces the settings with raw and runs the reload
// callbacks.
func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := maps.Clone(c.Settings)
	if err := c.LoadString(raw); err != nil {
		return err
	}
	c.oldSettings = old

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// GetString will get the string for k or return the default d if not found or invalid
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}

	// yaml resolves unquoted dates to timestamps, hand back the text instead.
	if t, ok := r.(time.Time); ok {
		return timestampString(t)
	}

	return fmt.Sprintf("%v", r)
}

func timestampString(t time.Time) string {
	if t.Location() == time.UTC && t.Equal(t.Truncate(24*time.Hour)) {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339Nano)
}

// GetSlice will get the list for k or return the default d if not found or invalid
func (c *C) GetSlice(k string, d []any) []any {
	r := c.Get(k)
	if r == nil {
		return d
	}

	v, ok := r.([]any)
	if !ok {
		return d
	}

	return v
}

// GetInt will get the int for k or return the default d if not found or invalid
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}

	return v
}

// GetUint64 will get the uint64 for k or return the default d if not found or
// invalid. Strings with a 0x prefix are read as hexadecimal.
func (c *C) GetUint64(k string, d uint64) uint64 {
	v, err := AsUint64(c.Get(k))
	if err != nil {
		return d
	}
	return v
}

// GetBool will get the bool for k or return the default d if not found or invalid
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}

	return v
}

// GetDuration will get the duration for k or return the default d if not found or invalid
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// AsUint64 converts a yaml scalar into a uint64. Strings are parsed with
// their base prefix, so addresses can be written in hexadecimal.
func AsUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errors.New("value is not set")
	case int:
		if x < 0 {
			return 0, fmt.Errorf("value %d is negative", x)
		}
		return uint64(x), nil
	case uint64:
		return x, nil
	case string:
		return strconv.ParseUint(strings.ReplaceAll(x, "_", ""), 0, 64)
	}
	return 0, fmt.Errorf("value %v of type %T is not an unsigned integer", v, v)
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}

		v, ok = m[p]
		if !ok {
			return nil
		}
	}

	return v
}
