package handlers

import "fmt"

// argString / argStringOpt / argBool read positional arguments out of
// the []interface{} the dispatcher hands every handler, raising a usage
// error (never a panic) when the shape is wrong.
func argString(args []interface{}, i int) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", fmt.Errorf("argument %d is required", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %T", i, args[i])
	}
	return s, nil
}

func argStringOpt(args []interface{}, i int, def string) string {
	if i >= len(args) || args[i] == nil {
		return def
	}
	s, ok := args[i].(string)
	if !ok {
		return def
	}
	return s
}

func argBoolOpt(args []interface{}, i int, def bool) bool {
	if i >= len(args) || args[i] == nil {
		return def
	}
	b, ok := args[i].(bool)
	if !ok {
		return def
	}
	return b
}

