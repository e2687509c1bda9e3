package transport

import (
	"encoding/json"
	"path"
)

// 指令參數
const (
	defaultPlate   = "Metadata/plate_1.gcode"
	sdcardRoot     = "file:///sdcard"
	staticSequence = "0"
)

type pushingRequest struct {
	Pushing pushingBody `json:"pushing"`
}

type pushingBody struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
}

type printRequest struct {
	Print any `json:"print"`
}

type simpleCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
}

type projectFileCommand struct {
	SequenceID    string `json:"sequence_id"`
	Command       string `json:"command"`
	Param         string `json:"param"`
	SubtaskName   string `json:"subtask_name"`
	URL           string `json:"url"`
	Timelapse     bool   `json:"timelapse"`
	BedLeveling   bool   `json:"bed_leveling"`
	FlowCali      bool   `json:"flow_cali"`
	VibrationCali bool   `json:"vibration_cali"`
	LayerInspect  bool   `json:"layer_inspect"`
	UseAMS        bool   `json:"use_ams"`
}

// PushAllCommand 要求裝置送出完整狀態
func PushAllCommand() []byte {
	return mustJSON(pushingRequest{Pushing: pushingBody{SequenceID: staticSequence, Command: "pushall"}})
}

// CleanPrintErrorCommand 清除裝置上殘留的錯誤
func CleanPrintErrorCommand() []byte {
	return mustJSON(printRequest{Print: simpleCommand{SequenceID: staticSequence, Command: "clean_print_error"}})
}

// StopCommand 停止目前列印
func StopCommand() []byte {
	return mustJSON(printRequest{Print: simpleCommand{SequenceID: staticSequence, Command: "stop"}})
}

// ProjectFileCommand 開始列印指令，sequence_id 帶關聯 token
//
// 參數：
//   - remoteDir: 上傳目錄（例如 /cache）
//   - remoteName: 裝置上的檔名
//   - token: 關聯 token，裝置回應時原樣帶回
func ProjectFileCommand(remoteDir, remoteName, token string) []byte {
	return mustJSON(printRequest{Print: projectFileCommand{
		SequenceID:  token,
		Command:     "project_file",
		Param:       defaultPlate,
		SubtaskName: remoteName,
		URL:         sdcardRoot + path.Join("/", remoteDir, remoteName),
		BedLeveling: true,
	}})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
