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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Label 决策结果
type Label string

const (
	Approve Label = "approve"
	Deny    Label = "deny"
	// Error 重试预算耗尽仍无有效答案
	Error Label = "error"
)

// Valid label 是否属于闭集（含 Error）
func (l Label) Valid() bool {
	switch l {
	case Approve, Deny, Error:
		return true
	}
	return false
}

func (l Label) String() string { return string(l) }

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPrompt = `You are an insurance claim assessor, assessing independent and separate claims.
Each claim will be provided by the user and include the incident and their current policy.
Your output must be valid json surrounded by <result></result> tags, giving one of two valid decisions and no other output:
<result>{"result": "approve"}</result>
or
<result>{"result": "deny"}</result>`

type sampleClaim struct {
	incident string
	policy   string
	decision Label
}

var sampleClaims = []sampleClaim{
	{
		incident: "While driving home during a rainstorm, the policyholder's car skidded off the road and hit a utility pole. The impact caused significant damage to the front bumper and the car's electrical system. The incident happened in the evening when visibility was poor.",
		policy:   "This policy provides coverage for damages from accidents, vandalism and unforseen events. Exclusions include natural disasters and intentional or illegal actions.",
		decision: Approve,
	},
	{
		incident: "The policyholder drove through a flooded street during a hurricane and the car's engine suffered water damage.",
		policy:   "This policy covers accidential damage to the insured vehicle. Exclusions include natural disasters.",
		decision: Deny,
	},
	{
		incident: "While reversing out of a parking space, the policyholder accidentially hit another car, causing minor scratches to both vehicles.",
		policy:   "This policy covers damage from accidents, but excludes intentional acts.",
		decision: Approve,
	},
	{
		incident: "The policyholder drove through a flooded street despite warnings and the car's engine suffered severe water damage. The incident occurred during heavy rainfall.",
		policy:   "This policy covers damages to the insured vehicle from natural disasters. Exclusions include intentional damage.",
		decision: Deny,
	},
}

func claimJSON(incident, policy string) string {
	b, _ := json.Marshal(struct {
		Incident string `json:"incident"`
		Policy   string `json:"policy"`
	}{incident, policy})
	return string(b)
}

func resultTag(l Label) string {
	return fmt.Sprintf(`<result>{"result": "%s"}</result>`, l)
}

// BuildMessages few-shot 对话：系统指令、样例问答，最后是待评估的 claim
func BuildMessages(incident, policy string) []Message {
	msgs := make([]Message, 0, 2+2*len(sampleClaims))
	msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	for _, c := range sampleClaims {
		msgs = append(msgs,
			Message{Role: "user", Content: claimJSON(c.incident, c.policy)},
			Message{Role: "assistant", Content: resultTag(c.decision)},
		)
	}
	return append(msgs, Message{Role: "user", Content: claimJSON(incident, policy)})
}

// StopSequences 生成截断标记
var StopSequences = []string{"<|end|>", "</result>"}

var errNoResult = errors.New("no <result> tag in model output")

// ParseResult 从模型输出解析 label。停止序列可能截掉 </result>，因此闭合标签可选。
func ParseResult(text string) (Label, error) {
	_, after, found := strings.Cut(text, "<result>")
	if !found {
		return "", errNoResult
	}
	if body, _, ok := strings.Cut(after, "</result>"); ok {
		after = body
	}
	var out struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(after)), &out); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	if out.Result == nil {
		return "", errors.New(`result json has no "result" field`)
	}
	switch l := Label(strings.ToLower(strings.TrimSpace(*out.Result))); l {
	case Approve, Deny:
		return l, nil
	default:
		return "", fmt.Errorf("unexpected decision %q", *out.Result)
	}
}
