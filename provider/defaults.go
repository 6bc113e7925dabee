package provider

import (
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// named adapts a name-taking constructor into a registry Factory bound to
// one provider name.
func named(name string, ctor func(string, config.ProviderCredentials, obslog.Logger) (Adapter, error)) Factory {
	return func(creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
		return ctor(name, creds, logger)
	}
}

// RegisterDefaults wires the stock adapter constructors under the provider
// names the collector manifest refers to. Callers with bespoke backends can
// Register over any of these.
func RegisterDefaults(r *Registry) {
	for _, name := range []string{"chatgpt_scraper_async", "bing_scraper_async"} {
		r.Register(name, named(name, NewScraperChatAdapter))
	}
	for _, name := range []string{"chatgpt_scraper_sync", "bing_scraper_sync"} {
		r.Register(name, named(name, NewScraperSyncAdapter))
	}
	for _, name := range []string{
		"openrouter_claude", "openrouter_gemini",
		"direct_gemini", "direct_perplexity", "direct_grok",
	} {
		r.Register(name, named(name, NewDirectLLMAdapter))
	}
	r.Register("bedrock_claude", named("bedrock_claude", NewBedrockAdapter))
	r.Register("google_aio_batch", named("google_aio_batch", NewAIOBatchAdapter))
	r.Register("perplexity_serp", named("perplexity_serp", NewSERPAdapter))
	r.Register("mock", named("mock", NewMockAdapter))
}
