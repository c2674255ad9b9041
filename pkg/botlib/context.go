package botlib

import (
	"fmt"
	"math/rand/v2"

	"github.com/aeolun/realm/pkg/client"
)

// Context is what a Behavior sees and can do during one Think call.
type Context struct {
	bot    *Bot
	self   client.Self
	forced bool
}

// Self returns the bot's own actor as of this call.
func (c *Context) Self() client.Self {
	return c.self
}

// Forced reports whether the server corrected the bot since the last call.
func (c *Context) Forced() bool {
	return c.forced
}

// Moving reports whether the bot has a movement intent in effect.
func (c *Context) Moving() bool {
	return !c.self.Idle
}

// Objects returns what the bot can currently see.
func (c *Context) Objects() []client.Object {
	return c.bot.client.Mirror().Objects()
}

// Move walks at facing+relative.
func (c *Context) Move(facing, relative float64) error {
	return c.bot.client.Move(facing, relative)
}

// Stop stands still.
func (c *Context) Stop() error {
	return c.bot.client.Stop()
}

// Rand returns the bot's random source.
func (c *Context) Rand() *rand.Rand {
	return c.bot.rng
}

// Username returns the bot's account name.
func (c *Context) Username() string {
	return c.bot.config.Username
}

// Log logs a message using the bot's logger.
func (c *Context) Log(msg string, args ...any) {
	c.bot.logger.Debug(msg, args...)
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{bot=%s, object=%d, x=%.2f, y=%.2f, idle=%t}",
		c.bot.config.Username, c.self.ObjectID, c.self.X, c.self.Y, c.self.Idle)
}
