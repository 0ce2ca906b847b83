package actions

import "time"

// Builtins returns the built-in actions.
func Builtins(httpCfg HTTPConfig) []Action {
	all := []Action{
		NewHTTPGetAction(httpCfg),
		&timeNowAction{now: time.Now},
	}
	return append(all, ExprActions()...)
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	for _, a := range Builtins(httpCfg) {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
