package loader

import (
	"go/constant"
	"go/token"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"github.com/randalmurphal/orcflow/pkg/flow"
)

// FlowImportPath is the import path workflow files use for the authoring API.
const FlowImportPath = "github.com/randalmurphal/orcflow/pkg/flow"

// Symbols exposes pkg/flow to interpreted workflow files. Generic helpers
// (flow.Decode, flow.RunAs) cannot be exported to the interpreter; workflow
// files use flow.DecodeInto instead.
var Symbols = interp.Exports{
	FlowImportPath + "/flow": {
		// constants
		"PhaseSetup":       reflect.ValueOf(constant.MakeFromLiteral(`"setup"`, token.STRING, 0)),
		"PhaseFinalize":    reflect.ValueOf(constant.MakeFromLiteral(`"finalize"`, token.STRING, 0)),
		"GitCommit":        reflect.ValueOf(flow.GitCommit),
		"GitStatus":        reflect.ValueOf(flow.GitStatus),
		"GitCurrentBranch": reflect.ValueOf(flow.GitCurrentBranch),
		"GitSwitch":        reflect.ValueOf(flow.GitSwitch),
		"GitCreateBranch":  reflect.ValueOf(flow.GitCreateBranch),

		// functions
		"IsReservedPhase": reflect.ValueOf(flow.IsReservedPhase),
		"Permanent":       reflect.ValueOf(flow.Permanent),
		"IsPermanent":     reflect.ValueOf(flow.IsPermanent),
		"DecodeInto":      reflect.ValueOf(flow.DecodeInto),

		// variables
		"ErrStepTimeout": reflect.ValueOf(&flow.ErrStepTimeout).Elem(),

		// types
		"Func":             reflect.ValueOf((*flow.Func)(nil)),
		"Toolkit":          reflect.ValueOf((*flow.Toolkit)(nil)),
		"Spec":             reflect.ValueOf((*flow.Spec)(nil)),
		"PhaseSpec":        reflect.ValueOf((*flow.PhaseSpec)(nil)),
		"ArgSpec":          reflect.ValueOf((*flow.ArgSpec)(nil)),
		"Input":            reflect.ValueOf((*flow.Input)(nil)),
		"GitOp":            reflect.ValueOf((*flow.GitOp)(nil)),
		"GitConfig":        reflect.ValueOf((*flow.GitConfig)(nil)),
		"GitResult":        reflect.ValueOf((*flow.GitResult)(nil)),
		"CLIConfig":        reflect.ValueOf((*flow.CLIConfig)(nil)),
		"CLIResult":        reflect.ValueOf((*flow.CLIResult)(nil)),
		"AIConfig":         reflect.ValueOf((*flow.AIConfig)(nil)),
		"AIResult":         reflect.ValueOf((*flow.AIResult)(nil)),
		"AgentConfig":      reflect.ValueOf((*flow.AgentConfig)(nil)),
		"AgentResult":      reflect.ValueOf((*flow.AgentResult)(nil)),
		"ArtifactConfig":   reflect.ValueOf((*flow.ArtifactConfig)(nil)),
		"ArtifactResult":   reflect.ValueOf((*flow.ArtifactResult)(nil)),
		"AnnotationConfig": reflect.ValueOf((*flow.AnnotationConfig)(nil)),
		"TimeoutError":     reflect.ValueOf((*flow.TimeoutError)(nil)),
		"PermanentError":   reflect.ValueOf((*flow.PermanentError)(nil)),
	},
}
