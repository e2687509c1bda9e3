package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/printbridge/internal/session"
)

// printSection 裝置回報中 "print" 區段用到的欄位
//
// 裝置送出的是增量回報，缺少的欄位保持 nil。
type printSection struct {
	GcodeState      *string         `json:"gcode_state"`
	Percent         *int            `json:"mc_percent"`
	LayerNum        *int            `json:"layer_num"`
	TotalLayerNum   *int            `json:"total_layer_num"`
	RemainingMinute *int            `json:"mc_remaining_time"`
	PrintError      *int            `json:"print_error"`
	SubtaskName     string          `json:"subtask_name"`
	Command         string          `json:"command"`
	SequenceID      json.RawMessage `json:"sequence_id"`
	Result          string          `json:"result"`
	Reason          string          `json:"reason"`
}

type reportEnvelope struct {
	Print *printSection `json:"print"`
}

// ParseReport 解析 device/<serial>/report 的訊息
//
// 返回值：
//   - session.DeviceReport: 未出現的欄位為 nil / 零值
//   - error: JSON 格式錯誤，或沒有 print 區段時回傳 ErrNoPrintSection
func ParseReport(payload []byte, receivedAt time.Time) (session.DeviceReport, error) {
	var env reportEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return session.DeviceReport{}, fmt.Errorf("decode report: %w", err)
	}
	if env.Print == nil {
		return session.DeviceReport{}, ErrNoPrintSection
	}

	p := env.Print
	r := session.DeviceReport{
		Progress:         p.Percent,
		Layer:            p.LayerNum,
		TotalLayers:      p.TotalLayerNum,
		RemainingMinutes: p.RemainingMinute,
		SubtaskName:      p.SubtaskName,
		Command:          p.Command,
		SequenceID:       rawString(p.SequenceID),
		Result:           p.Result,
		Reason:           p.Reason,
		ReceivedAt:       receivedAt,
	}
	if p.GcodeState != nil {
		r.State = session.ParseDeviceState(*p.GcodeState)
	}
	if p.PrintError != nil {
		r.PrintError = *p.PrintError
	}
	return r, nil
}

// MergeReport 把增量回報疊加到前一次的完整狀態上
func MergeReport(prev, next session.DeviceReport) session.DeviceReport {
	merged := prev
	if next.State != session.DeviceUnknown {
		merged.State = next.State
	}
	if next.Progress != nil {
		merged.Progress = next.Progress
	}
	if next.Layer != nil {
		merged.Layer = next.Layer
	}
	if next.TotalLayers != nil {
		merged.TotalLayers = next.TotalLayers
	}
	if next.RemainingMinutes != nil {
		merged.RemainingMinutes = next.RemainingMinutes
	}
	if next.SubtaskName != "" {
		merged.SubtaskName = next.SubtaskName
	}
	if next.PrintError != 0 || next.State != session.DeviceUnknown {
		merged.PrintError = next.PrintError
	}
	merged.Command, merged.SequenceID, merged.Result, merged.Reason = "", "", "", ""
	merged.ReceivedAt = next.ReceivedAt
	return merged
}

// rawString sequence_id 可能是字串或數字
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}
