package store

import "time"

// StreamSession 一场连续直播。
// EndTime 零值表示尚未下播；StartTime 零值表示仅有下播记录（历史兼容）。
type StreamSession struct {
	ID           int64     `json:"id"`
	StreamerName string    `json:"streamer_name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// Open 会话是否仍在进行
func (s *StreamSession) Open() bool {
	return !s.StartTime.IsZero() && s.EndTime.IsZero()
}

// UploadRecord 一次投稿产物的持久化记录。
// ParentID 为空串表示父稿件标识尚未回填。
type UploadRecord struct {
	ID                int64     `json:"id"`
	ParentID          string    `json:"parent_id"`
	Title             string    `json:"title"`
	FirstPartFilename string    `json:"first_part_filename"`
	UploadTime        time.Time `json:"upload_time"`
}
