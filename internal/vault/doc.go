// Package vault gives sandboxed access to an Obsidian vault on disk.
//
// Every path is interpreted relative to the vault root, and any path that
// would resolve outside it, lexically or through a symlink, is rejected with
// ErrEscapesVault. Listings are recursive, sorted and root-relative.
//
// Writes expand the {{date}} family of template variables in UTC. Notes may
// start with a YAML frontmatter block, handled by ParseFrontmatter and
// ComposeFrontmatter.
package vault
