package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// LLM backend (used by run and card try).
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.request_timeout", 90*time.Second)

	// Gateway. base_url is deployment-specific and deliberately has no
	// default; run refuses to start without it.
	viper.SetDefault("gateway.token", "")
	viper.SetDefault("gateway.target", "")

	// Conversation state.
	viper.SetDefault("file_state_dir", "~/.wechatai")
	viper.SetDefault("conversation.max_history", 50)

	// Autonomous loop.
	viper.SetDefault("autonomous.analyze_interval", 60*time.Second)

	// Listener.
	viper.SetDefault("listener.max_retries", 5)
	viper.SetDefault("listener.retry_delay", 5*time.Second)
	viper.SetDefault("listener.reply_timeout", 2*time.Minute)
}
