// Package configstore defines where remotectl reads its configuration from.
package configstore

import "context"

type ConfigStore interface {
	Load(out any) error
	Save(data any) error
	// Watch calls onChange after the stored document changed, until ctx ends.
	Watch(ctx context.Context, onChange func()) error
	Close() error
}
