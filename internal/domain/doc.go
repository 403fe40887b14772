// Package domain holds the core types, collaborator interfaces, and the
// tagged error model shared by all components. It has no dependencies on
// any adapter package.
package domain
