package util

// PrefixConfig joins a flag namespace prefix and an option name with a dot.
// An empty prefix leaves the option name untouched.
func PrefixConfig(prefix string, option string) string {
	if prefix == "" {
		return option
	}

	return prefix + "." + option
}
