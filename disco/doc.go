// Package disco is a Discord bot built on the [gateway] connection
// manager.
//
// A [Bot] connects to the gateway, logs received messages to a database,
// runs prefixed text commands and slash commands, and forwards questions
// to an OpenAI-compatible chat completion API through a rate-limited
// request queue. An optional status API reports the gateway connection
// state and exposes prometheus metrics.
//
// Basic usage:
//
//	cfg := disco.DefaultConfig()
//	cfg.Discord.Token = token
//	bot, err := disco.New(cfg)
//	if err != nil {
//		return err
//	}
//	return bot.Run(ctx)
package disco
