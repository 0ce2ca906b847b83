package config

import "errors"

// rawMap is a koanf.Provider over an already parsed nested map.
type rawMap map[string]any

func (r rawMap) ReadBytes() ([]byte, error) {
	return nil, errors.New("rawMap provider does not support ReadBytes")
}

func (r rawMap) Read() (map[string]any, error) {
	return map[string]any(r), nil
}
