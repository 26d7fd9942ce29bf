package models

import "regexp"

var machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)

// IsValidMachineID reports whether id is an acceptable machine identifier,
// for example "M01".
func IsValidMachineID(id string) bool {
	return machineIDPattern.MatchString(id)
}
