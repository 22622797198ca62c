// Package router decides which pipeline serves a request: the classifier
// maps the request body to a route name, the pool picks the next healthy
// pipeline from that route's pool in round-robin order.
package router

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
)

// DefaultRoute is used when no classification rule matches.
const DefaultRoute = "default"

// Classifier evaluates classification rules against request bodies.
type Classifier struct {
	rules []config.Rule
}

// NewClassifier builds a classifier from the configured rules.
func NewClassifier(rules []config.Rule) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the route name for a canonical OpenAI request. Rules are
// evaluated in order, all conditions of a rule must hold, the first match
// wins. No match falls back to DefaultRoute.
func (c *Classifier) Classify(body []byte) string {
	root := gjson.ParseBytes(body)
	tokens := EstimateTokens(root)
	hasTools := root.Get("tools").IsArray() && len(root.Get("tools").Array()) > 0
	hasImages := hasImageParts(root)
	webSearch := root.Get("web_search").Bool() || root.Get("web_search_options").Exists()
	model := root.Get("model").String()

	for _, rule := range c.rules {
		if rule.MinTokens > 0 && tokens < rule.MinTokens {
			continue
		}
		if rule.Tools && !hasTools {
			continue
		}
		if rule.Images && !hasImages {
			continue
		}
		if rule.WebSearch && !webSearch {
			continue
		}
		if rule.ModelHint != "" && !strings.Contains(strings.ToLower(model), strings.ToLower(rule.ModelHint)) {
			continue
		}
		if rule.Route != "" {
			return rule.Route
		}
	}
	return DefaultRoute
}

// EstimateTokens approximates the prompt token count as total message text
// length divided by four. An estimate is all the long-context rules need.
func EstimateTokens(root gjson.Result) int {
	var chars int
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		content := message.Get("content")
		if content.Type == gjson.String {
			chars += len(content.String())
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				chars += len(text.String())
			}
			return true
		})
		return true
	})
	return chars / 4
}

func hasImageParts(root gjson.Result) bool {
	found := false
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		message.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "image_url" {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}
