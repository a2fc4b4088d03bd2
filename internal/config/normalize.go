package config

import (
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return err
	}
	if c.Solana.KeypairPath, err = expandPath(strings.TrimSpace(c.Solana.KeypairPath)); err != nil {
		return err
	}
	if c.Logging.File, err = expandPath(strings.TrimSpace(c.Logging.File)); err != nil {
		return err
	}

	c.Console.PolicyPath = strings.TrimSpace(c.Console.PolicyPath)
	if c.Console.PolicyPath == "" && c.Paths.DataDir != "" {
		c.Console.PolicyPath = filepath.Join(c.Paths.DataDir, PolicyFileName)
	} else if c.Console.PolicyPath, err = expandPath(c.Console.PolicyPath); err != nil {
		return err
	}

	c.Solana.RPCURL = strings.TrimSpace(c.Solana.RPCURL)
	c.Solana.TreasuryAddress = strings.TrimSpace(c.Solana.TreasuryAddress)
	c.Solana.Commitment = strings.ToLower(strings.TrimSpace(c.Solana.Commitment))
	if c.Solana.Commitment == "" {
		c.Solana.Commitment = DefaultCommitment
	}

	c.Settings.Mode = strings.ToLower(strings.TrimSpace(c.Settings.Mode))
	if c.Settings.Mode == "" {
		c.Settings.Mode = "demo"
	}
	whitelist := c.Settings.Whitelist[:0]
	for _, addr := range c.Settings.Whitelist {
		if addr = strings.TrimSpace(addr); addr != "" {
			whitelist = append(whitelist, addr)
		}
	}
	c.Settings.Whitelist = whitelist

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Console.Transport = strings.ToLower(strings.TrimSpace(c.Console.Transport))
	if c.Console.Transport == "" {
		c.Console.Transport = "none"
	}
	for i := range c.Console.Tokens {
		c.Console.Tokens[i].Token = strings.TrimSpace(c.Console.Tokens[i].Token)
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Telegram.BotToken = strings.TrimSpace(c.Telegram.BotToken)
	return nil
}
