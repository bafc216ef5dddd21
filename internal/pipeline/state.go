package pipeline

import (
	"errors"
	"fmt"
)

// State 重打包流程状态
type State string

const (
	StatePending           State = "pending"
	StateUnpacked          State = "unpacked"
	StateIdentityRewritten State = "identity_rewritten"
	StateRepacked          State = "repacked"
	StateSigned            State = "signed"
	StateChannelRestored   State = "channel_restored"
	StateFinalized         State = "finalized"
	StateFailed            State = "failed"
)

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// Stage 流程阶段，失败时用于定位
type Stage string

const (
	StageDecompile Stage = "decompile"
	StageDescribe  Stage = "describe"
	StageRewrite   Stage = "rewrite"
	StageBuild     Stage = "build"
	StageSign      Stage = "sign"
	StageChannel   Stage = "channel"
	StageFinalize  Stage = "finalize"
)

// StageError 某一阶段失败
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage 提取失败阶段，非 StageError 返回空
func FailedStage(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}

const OutcomeSuccess = "success"

// Outcome 将结果转换为单行消息："success" 或 "error: <stage>: <cause>"
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return "error: " + err.Error()
}
