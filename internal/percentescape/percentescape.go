// Package percentescape implements the percent-escape substitution table
// used by the Build Pipeline's external hook commands: `%%` becomes a literal
// `%`, and every other recognized escape is replaced by its bound value.
// When more than one token's escape is a prefix of another (`%s` vs a
// hypothetical `%sb`), the longest match wins; ties are broken lexically
// by escape string.
package percentescape

import "sort"

// Token binds one percent-escape (without the leading '%') to its expanded
// value and an optional deprecation note logged the first time it's used.
type Token struct {
	Escape     string
	Value      string
	Deprecated string
}

// Substitute expands every recognized `%<escape>` sequence in template
// against tokens, longest-escape-first with lexical tie-breaking, and
// collapses `%%` to a literal `%`. onDeprecated, if non-nil, is invoked
// once per substituted token carrying a Deprecated note.
func Substitute(template string, tokens []Token, onDeprecated func(escape, note string)) string {
	ordered := make([]Token, len(tokens))
	copy(ordered, tokens)

	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].Escape) != len(ordered[j].Escape) {
			return len(ordered[i].Escape) > len(ordered[j].Escape)
		}

		return ordered[i].Escape < ordered[j].Escape
	})

	var out []byte

	for i := 0; i < len(template); {
		if template[i] != '%' {
			out = append(out, template[i])
			i++

			continue
		}

		if i+1 < len(template) && template[i+1] == '%' {
			out = append(out, '%')
			i += 2

			continue
		}

		rest := template[i+1:]

		matched := false

		for _, tok := range ordered {
			if len(tok.Escape) == 0 || !hasPrefix(rest, tok.Escape) {
				continue
			}

			out = append(out, tok.Value...)
			i += 1 + len(tok.Escape)
			matched = true

			if tok.Deprecated != "" && onDeprecated != nil {
				onDeprecated(tok.Escape, tok.Deprecated)
			}

			break
		}

		if matched {
			continue
		}

		out = append(out, template[i])
		i++
	}

	return string(out)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// HookTokens builds the standard hook-command escape table from spec.md
// §6's percent-escape substitution table: every field has both a
// single-letter escape (`%a`) and a long-name alias (`%SBUILD_HOST_ARCH`).
func HookTokens(hostArch, buildDir, changes, dsc, pkgbuildDir, chrootDir, chrootExec, shellPath string) []Token {
	const deprecatedChrootDir = "%r/%SBUILD_CHROOT_DIR is deprecated; use %p/%SBUILD_PKGBUILD_DIR"

	return []Token{
		{Escape: "a", Value: hostArch},
		{Escape: "SBUILD_HOST_ARCH", Value: hostArch},
		{Escape: "b", Value: buildDir},
		{Escape: "SBUILD_BUILD_DIR", Value: buildDir},
		{Escape: "c", Value: changes},
		{Escape: "SBUILD_CHANGES", Value: changes},
		{Escape: "d", Value: dsc},
		{Escape: "SBUILD_DSC", Value: dsc},
		{Escape: "p", Value: pkgbuildDir},
		{Escape: "SBUILD_PKGBUILD_DIR", Value: pkgbuildDir},
		{Escape: "r", Value: chrootDir, Deprecated: deprecatedChrootDir},
		{Escape: "SBUILD_CHROOT_DIR", Value: chrootDir, Deprecated: deprecatedChrootDir},
		{Escape: "e", Value: chrootExec},
		{Escape: "SBUILD_CHROOT_EXEC", Value: chrootExec},
		{Escape: "s", Value: shellPath},
		{Escape: "SBUILD_SHELL", Value: shellPath},
	}
}
