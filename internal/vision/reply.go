package vision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Prompt is the instruction sent with every image.
func Prompt(marker string) string {
	return fmt.Sprintf(`この画像は月間カレンダーの写真です。

1. まずカレンダー上部などに印刷された年月（例: 2025年8月）を読み取ってください。
2. 次に各日付セルを確認し、手書きの「%[1]s」が書かれている日をすべて挙げてください。印刷文字は無視してください。
3. 確信度は high（明らかに「%[1]s」）、medium（多少曖昧）、low（不明瞭）で評価してください。

除外するもの:
- 前月・翌月の日付セル（薄い文字やグレー背景、白抜き文字のセル）
- 年月が読み取れない場合は found_dates を空にしてください

次のJSONだけで回答してください:
{
  "calendar_info": {"detected_year": 2025, "detected_month": 8, "year_month_text": "2025年8月"},
  "found_dates": [
    {"day": 1, "confidence": "high", "description": "見つかった文字の説明", "location": "8月1日のセル"}
  ]
}`, marker)
}

type reply struct {
	CalendarInfo struct {
		DetectedYear  flexInt `json:"detected_year"`
		DetectedMonth flexInt `json:"detected_month"`
		YearMonthText string  `json:"year_month_text"`
	} `json:"calendar_info"`
	FoundDates []struct {
		Day         flexInt `json:"day"`
		Confidence  string  `json:"confidence"`
		Description string  `json:"description"`
		Location    string  `json:"location"`
	} `json:"found_dates"`
}

// flexInt accepts 2025, "2025" and null.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	objectRe        = regexp.MustCompile(`(?s)\{.*\}`)
	locationMonthRe = regexp.MustCompile(`(\d{1,2})月\d{1,2}日`)

	greyKeywords = []string{"グレー", "白抜き", "薄い", "grey", "whiteout", "faint"}
)

// decodeReply reads the reply as JSON, then from a code fence, then from
// the outermost braces in the text.
func decodeReply(content string) (reply, error) {
	var r reply
	content = strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(content), &r); err == nil {
		return r, nil
	}
	if m := fenceRe.FindStringSubmatch(content); len(m) >= 2 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &r); err == nil {
			return r, nil
		}
	}
	if m := objectRe.FindString(content); m != "" {
		if err := json.Unmarshal([]byte(m), &r); err == nil {
			return r, nil
		}
	}
	return r, fmt.Errorf("%w: no JSON object in vision reply: %s", model.ErrMalformed, truncate(content, 200))
}

// DatesFromReply applies the acceptance rules to a model reply. A reply
// without a readable year and month yields no dates.
func DatesFromReply(content string) ([]model.CandidateDate, error) {
	r, err := decodeReply(content)
	if err != nil {
		return nil, err
	}

	year, month := int(r.CalendarInfo.DetectedYear), int(r.CalendarInfo.DetectedMonth)
	if year <= 0 || month < 1 || month > 12 {
		appLog.Info("calendar year/month not detected; no dates accepted", "text", r.CalendarInfo.YearMonthText)
		return []model.CandidateDate{}, nil
	}

	seen := map[civil.Date]bool{}
	out := make([]model.CandidateDate, 0, len(r.FoundDates))
	for _, fd := range r.FoundDates {
		conf := model.Confidence(strings.ToLower(strings.TrimSpace(fd.Confidence)))
		if conf != model.ConfidenceHigh && conf != model.ConfidenceMedium {
			appLog.Debug("dropping low confidence mark", "day", int(fd.Day), "confidence", fd.Confidence)
			continue
		}
		d := civil.Date{Year: year, Month: time.Month(month), Day: int(fd.Day)}
		if !d.IsValid() {
			appLog.Debug("dropping invalid day", "year", year, "month", month, "day", int(fd.Day))
			continue
		}
		if m := locationMonthRe.FindStringSubmatch(fd.Location); m != nil {
			if lm, _ := strconv.Atoi(m[1]); lm != month {
				appLog.Debug("dropping adjacent month mark", "day", int(fd.Day), "location", fd.Location)
				continue
			}
		}
		if isGreyed(fd.Location) {
			appLog.Debug("dropping greyed cell", "day", int(fd.Day), "location", fd.Location)
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, model.CandidateDate{Date: d, Confidence: conf})
	}
	return out, nil
}

func isGreyed(location string) bool {
	l := strings.ToLower(location)
	for _, k := range greyKeywords {
		if strings.Contains(l, k) {
			return true
		}
	}
	return false
}
