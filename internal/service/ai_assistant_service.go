package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/aivf/internal/logger"
)

const (
	defaultMoodMaxTokens     = 220
	defaultChatMaxTokens     = 500
	defaultDosageMaxTokens   = 600
	defaultMoodTemperature   = 0.3
	defaultChatTemperature   = 0.7
	maxPatientInputRuneCount = 2000
	fallbackMedicationName   = "their fertility medication"
)

// MoodInput 描述一次症状分析请求。
type MoodInput struct {
	Mood           string
	MedicationName string
}

// MoodAnalyzer 是症状分析协作者，返回自由文本；失败时返回 ErrUpstream 类错误。
type MoodAnalyzer interface {
	AnalyzeMood(ctx context.Context, input MoodInput) (string, error)
}

// ChatAnswer 是患者问答结果，AnswerHTML 为渲染并清洗后的 HTML。
type ChatAnswer struct {
	Answer     string
	AnswerHTML string
}

// DosageExplanation 由简短说明与 mermaid 流程图两部分组成。
type DosageExplanation struct {
	Explanation     string
	ExplanationHTML string
	Diagram         string
}

// AIAssistantService 封装面向患者的几类提示词，只负责转发提示与结果。
type AIAssistantService struct {
	client *aiChatClient
	log    *logger.Logger
}

// NewAIAssistantService 构造 AIAssistantService。
func NewAIAssistantService(cfg AIConfig, log *logger.Logger) *AIAssistantService {
	if log == nil {
		log = logger.Nop()
	}
	return &AIAssistantService{
		client: newAIChatClient(cfg),
		log:    log.With("component", "AIAssistant"),
	}
}

// SetHTTPClient 覆盖默认 HTTP 客户端，主要用于测试。
func (s *AIAssistantService) SetHTTPClient(client httpDoer) {
	s.client.SetHTTPClient(client)
}

// SetOpenAIBaseURL 覆盖默认的 OpenAI API 地址。
func (s *AIAssistantService) SetOpenAIBaseURL(base string) {
	s.client.SetOpenAIBaseURL(base)
}

// SetDeepSeekBaseURL 覆盖默认的 DeepSeek API 地址。
func (s *AIAssistantService) SetDeepSeekBaseURL(base string) {
	s.client.SetDeepSeekBaseURL(base)
}

// AnalyzeMood 根据患者记录的症状与所用药品给出简短的安抚性评估。
func (s *AIAssistantService) AnalyzeMood(ctx context.Context, input MoodInput) (string, error) {
	mood := truncateRunes(strings.TrimSpace(input.Mood), maxPatientInputRuneCount)
	if mood == "" {
		return "", validationErrorf("mood is required")
	}
	medication := strings.TrimSpace(input.MedicationName)
	if medication == "" {
		medication = fallbackMedicationName
	}

	prompt := buildMoodPrompt(mood, medication)
	logAIExchange(s.log, "MOOD", "prompt", prompt)

	result, err := s.client.call(ctx, aiChatRequest{
		SystemPrompt: moodSystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    defaultMoodMaxTokens,
		Temperature:  defaultMoodTemperature,
	})
	if err != nil {
		return "", err
	}
	logAIExchange(s.log, "MOOD", "response", result.Content)

	if result.Content == "" {
		return "", upstreamErrorf("empty mood analysis")
	}
	return result.Content, nil
}

// AnswerQuestion 回答患者关于 IVF 的问题。
func (s *AIAssistantService) AnswerQuestion(ctx context.Context, question string) (ChatAnswer, error) {
	question = truncateRunes(strings.TrimSpace(question), maxPatientInputRuneCount)
	if question == "" {
		return ChatAnswer{}, validationErrorf("question is required")
	}

	logAIExchange(s.log, "CHAT", "prompt", question)
	result, err := s.client.call(ctx, aiChatRequest{
		SystemPrompt: chatSystemPrompt,
		UserPrompt:   "Question: " + question,
		MaxTokens:    defaultChatMaxTokens,
		Temperature:  defaultChatTemperature,
	})
	if err != nil {
		return ChatAnswer{}, err
	}
	logAIExchange(s.log, "CHAT", "response", result.Content)

	return ChatAnswer{Answer: result.Content, AnswerHTML: RenderMarkdown(result.Content)}, nil
}

// ExplainDosage 生成自行注射的步骤说明，模型输出以 "---" 分隔说明与流程图。
func (s *AIAssistantService) ExplainDosage(ctx context.Context, medicationName, dosage string) (DosageExplanation, error) {
	medicationName = strings.TrimSpace(medicationName)
	dosage = strings.TrimSpace(dosage)
	if medicationName == "" || dosage == "" {
		return DosageExplanation{}, validationErrorf("medication name and dosage are required")
	}

	prompt := buildDosagePrompt(medicationName, dosage)
	logAIExchange(s.log, "DOSAGE", "prompt", prompt)

	result, err := s.client.call(ctx, aiChatRequest{
		UserPrompt: prompt,
		MaxTokens:  defaultDosageMaxTokens,
	})
	if err != nil {
		return DosageExplanation{}, err
	}
	logAIExchange(s.log, "DOSAGE", "response", result.Content)

	explanation, diagram := splitDosageResponse(result.Content)
	return DosageExplanation{
		Explanation:     explanation,
		ExplanationHTML: RenderMarkdown(explanation),
		Diagram:         diagram,
	}, nil
}

func splitDosageResponse(content string) (string, string) {
	explanation, diagram, found := strings.Cut(content, "---")
	if !found {
		return strings.TrimSpace(content), ""
	}
	diagram = strings.TrimSpace(diagram)
	diagram = strings.TrimPrefix(diagram, "```mermaid")
	diagram = strings.TrimSuffix(strings.TrimSpace(diagram), "```")
	return strings.TrimSpace(explanation), strings.TrimSpace(diagram)
}

const moodSystemPrompt = `You support patients of a fertility clinic who are going through an IVF cycle.
Be warm and reassuring, use plain non-medical language and never give medical advice.
Always encourage the patient to contact the clinic team with any concern.
Answer in at most four sentences.`

const chatSystemPrompt = `You are an assistant for a fertility clinic. Answer questions about IVF, fertility
treatment and patient support clearly and with empathy. If a question is unrelated to IVF or
fertility, politely steer the patient back to those topics. Never replace advice from the clinic team.`

func buildMoodPrompt(mood, medication string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The patient has just taken an injection of %q and logged how they feel: %q.\n\n", medication, mood)
	b.WriteString("Say whether these symptoms are commonly associated with this medication during IVF ")
	b.WriteString("(for example bloating, mild pelvic discomfort, headaches or mood swings), ")
	b.WriteString("whether they deserve closer monitoring, or whether the patient should call the clinic right away. ")
	b.WriteString("Give a short reason in simple words.")
	return b.String()
}

func buildDosagePrompt(medication, dosage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Act as a virtual fertility nurse. Explain how to self-administer %s of %q.\n\n", dosage, medication)
	b.WriteString("Reply in two parts separated by a line containing only \"---\".\n")
	b.WriteString("Part 1: a friendly two or three sentence summary of the process.\n")
	b.WriteString("Part 2: a mermaid top-down flowchart (graph TD) of the key steps with short labels, ")
	b.WriteString("from washing hands and preparing supplies to disposing of the needle safely.")
	return b.String()
}
