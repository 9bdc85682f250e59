package build

import "strings"

var (
	// AppName is the display name of the application.
	AppName = "Jobmon"
	// Slug is the lowercase identifier used for config paths and env prefixes.
	Slug = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
