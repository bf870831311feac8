package adapter

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/taskforge/engine/pkg/models"
)

// HTTPAPIConfig configures an HTTPAPIAdapter's backend: either a direct
// Anthropic API key or AWS Bedrock, mirroring the teacher's dual-backend
// client selection.
type HTTPAPIConfig struct {
	Model         anthropic.Model
	APIKey        string
	UseAWSBedrock bool
	AWSRegion     string
	AWSProfile    string
}

// tokenTracker accumulates token usage across calls for cost reporting.
type tokenTracker struct {
	inputTokens  int64
	outputTokens int64
}

func (t *tokenTracker) add(input, output int64) {
	t.inputTokens += input
	t.outputTokens += output
}

// HTTPAPIAdapter drives an Anthropic Messages API call per Propose/Refine
// invocation, either directly or through AWS Bedrock's cross-region
// inference profiles (spec.md §4.5 http_api execution model).
type HTTPAPIAdapter struct {
	id      string
	caps    []models.Capability
	client  anthropic.Client
	model   anthropic.Model
	cost    models.CostModel
	tracker tokenTracker
}

// NewHTTPAPIAdapter constructs an HTTPAPIAdapter from cfg. Bedrock model
// names are translated to their cross-region inference profile form when
// cfg.UseAWSBedrock is set.
func NewHTTPAPIAdapter(id string, caps []models.Capability, cfg HTTPAPIConfig, cost models.CostModel) (*HTTPAPIAdapter, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set and no APIKey was configured")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return &HTTPAPIAdapter{
		id:     id,
		caps:   caps,
		client: anthropic.NewClient(opts...),
		model:  model,
		cost:   cost,
	}, nil
}

// translateModelForBedrock maps standard Anthropic model names to Bedrock's
// cross-region inference profile names (us.anthropic.{model}-v1:0).
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Capabilities reports the adapter's declared capability set.
func (a *HTTPAPIAdapter) Capabilities() []models.Capability { return a.caps }

// EstimateCost projects cost from the adapter's rate table scaled by the
// context digest's length as an input-token proxy; the Messages API does not
// expose a pre-flight token count, so this is deliberately approximate.
func (a *HTTPAPIAdapter) EstimateCost(ctx context.Context, phase models.Phase, contextDigest string) (models.CostEstimate, error) {
	approxInputTokens := float64(len(contextDigest)) / 4
	return models.CostEstimate{
		CostUSD: approxInputTokens*a.cost.RatePerInputUnit + 1024*a.cost.RatePerOutputUnit,
	}, nil
}

// Propose sends phase's prompt as a fresh conversation.
func (a *HTTPAPIAdapter) Propose(ctx context.Context, phase models.Phase, taskCtx TaskContext, priorFeedback string) (models.PhaseOutcome, error) {
	prompt := taskCtx.Goal
	if priorFeedback != "" {
		prompt = fmt.Sprintf("%s\n\nPrior feedback:\n%s", prompt, priorFeedback)
	}
	return a.call(ctx, phase, prompt)
}

// Refine sends phase's prompt folding in feedback from a prior NEEDS_REFINE
// outcome.
func (a *HTTPAPIAdapter) Refine(ctx context.Context, phase models.Phase, taskCtx TaskContext, feedback string) (models.PhaseOutcome, error) {
	prompt := fmt.Sprintf("%s\n\nRefine based on feedback:\n%s", taskCtx.Goal, feedback)
	return a.call(ctx, phase, prompt)
}

func (a *HTTPAPIAdapter) call(ctx context.Context, phase models.Phase, prompt string) (models.PhaseOutcome, error) {
	systemPrompt := phaseSystemPrompt(phase)

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return models.PhaseOutcome{Classification: models.ClassificationFailedTransient}, nil
	}

	a.tracker.add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	outcome := models.PhaseOutcome{
		CostActual: float64(resp.Usage.InputTokens)*a.cost.RatePerInputUnit + float64(resp.Usage.OutputTokens)*a.cost.RatePerOutputUnit,
		TokensIn:   resp.Usage.InputTokens,
		TokensOut:  resp.Usage.OutputTokens,
	}

	switch resp.StopReason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		outcome.Classification = models.ClassificationOK
	case anthropic.StopReasonMaxTokens:
		outcome.Classification = models.ClassificationNeedsRefine
	default:
		outcome.Classification = models.ClassificationOK
	}

	assignOutcomeText(&outcome, phase, text)
	return outcome, nil
}

// phaseSystemPrompt returns the system prompt for phase; each phase frames
// the same underlying model call with a different role.
func phaseSystemPrompt(phase models.Phase) string {
	switch phase {
	case models.PhasePlan:
		return "You are a senior software engineer producing an implementation plan. Respond with the plan only."
	case models.PhaseReview:
		return "You are a senior software engineer reviewing a code change. Respond with your review findings only."
	case models.PhaseCommit:
		return "You are a senior software engineer writing a commit message for a code change. Respond with the commit message only."
	default:
		return "You are a senior software engineer assisting with a coding task."
	}
}

// assignOutcomeText routes the model's free-text response into the
// PhaseOutcome field that matches phase (spec.md §3: exactly one of
// Plan/TestReport/ReviewReport/CommitMessage/DeployRecord is populated,
// depending on phase; CODE phases produce a PatchSet instead, which an
// http_api adapter cannot synthesize directly).
func assignOutcomeText(outcome *models.PhaseOutcome, phase models.Phase, text string) {
	switch phase {
	case models.PhasePlan:
		outcome.Plan = text
	case models.PhaseTest:
		outcome.TestReport = text
	case models.PhaseReview:
		outcome.ReviewReport = text
	case models.PhaseCommit:
		outcome.CommitMessage = text
	case models.PhaseDeploy:
		outcome.DeployRecord = text
	}
}
