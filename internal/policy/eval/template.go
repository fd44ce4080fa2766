// SPDX-License-Identifier: MIT

package eval

import (
	"strings"

	"github.com/vpo-project/vpo/internal/media"
)

// ExpandMessage substitutes the {filename}, {path} and {rule_name}
// placeholders of a warn/fail message template. Unknown placeholders are left
// verbatim.
func ExpandMessage(template string, f *media.File, ruleName string) string {
	r := strings.NewReplacer(
		"{filename}", f.Filename,
		"{path}", f.Path,
		"{rule_name}", ruleName,
	)
	return r.Replace(template)
}
