// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-resty/resty/v2"
)

// Generator 决策模型的调用边界；一次调用返回一段原始文本
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// GeneratorFunc 函数适配
type GeneratorFunc func(ctx context.Context, messages []Message) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

const maxTokens = 100

// ChatCompletionsGenerator OpenAI 兼容的 /chat/completions 客户端（llama.cpp server、vLLM 或托管服务）
type ChatCompletionsGenerator struct {
	model   string
	apiKey  string
	baseURL string
	client  *resty.Client
}

// NewChatCompletionsGenerator baseURL 例如 http://127.0.0.1:8080/v1
func NewChatCompletionsGenerator(modelName, apiKey, baseURL string, timeout time.Duration) (*ChatCompletionsGenerator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("decision base_url is required for the openai provider")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(2 * time.Second)

	return &ChatCompletionsGenerator{
		model:   modelName,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}, nil
}

// Generate 调用 chat completions
func (g *ChatCompletionsGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	request := map[string]interface{}{
		"model":       g.model,
		"messages":    messages,
		"temperature": 0,
		"max_tokens":  maxTokens,
		"stop":        StopSequences,
	}
	req := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(request)
	if g.apiKey != "" {
		req.SetHeader("Authorization", "Bearer "+g.apiKey)
	}
	response, err := req.Post(g.baseURL + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("call chat completions: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("chat completions status %d: %s", response.StatusCode(), response.String())
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return "", fmt.Errorf("decode chat completions: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat completions returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// EinoGenerator 通过 Eino ChatModel 调用
type EinoGenerator struct {
	chat model.BaseChatModel
}

// NewEinoGenerator 用 eino-ext 的 OpenAI ChatModel 创建
func NewEinoGenerator(ctx context.Context, modelName, apiKey, baseURL string, timeout time.Duration) (*EinoGenerator, error) {
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:   modelName,
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel failed: %w", err)
	}
	return &EinoGenerator{chat: chat}, nil
}

// NewEinoGeneratorWithModel 使用已有的 ChatModel
func NewEinoGeneratorWithModel(chat model.BaseChatModel) *EinoGenerator {
	return &EinoGenerator{chat: chat}
}

func (g *EinoGenerator) Generate(ctx context.Context, messages []Message) (string, error) {
	in := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			in = append(in, schema.SystemMessage(m.Content))
		case "assistant":
			in = append(in, schema.AssistantMessage(m.Content, nil))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}
	out, err := g.chat.Generate(ctx, in,
		model.WithTemperature(0),
		model.WithMaxTokens(maxTokens),
		model.WithStop(StopSequences),
	)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// StaticGenerator 固定返回某个 label，用于演练与测试环境
type StaticGenerator struct {
	Label Label
}

func (g StaticGenerator) Generate(context.Context, []Message) (string, error) {
	return resultTag(g.Label), nil
}
