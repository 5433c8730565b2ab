package detail

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

var testSelectors = Selectors{
	Section:      "#item_detail",
	ConditionRow: "table.condition tr.active",
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "keyword blocks are deduplicated",
			html: `<div id="item_detail">
				<p>付属品：元箱、ストラップ</p>
				<ul><li>検品スタッフコメント：軽微なスレがあります。</li></ul>
				<p>付属品：元箱、ストラップ</p>
				<p>その他の説明</p>
			</div>`,
			want: "付属品：元箱、ストラップ\n検品スタッフコメント：軽微なスレがあります。",
		},
		{
			name: "keyword blocks with condition line appended",
			html: `<div id="item_detail">
				<dd>付属品 元箱</dd>
				<table class="condition"><tr class="active"><th>AB</th><td>使用感の少ない良好な状態</td></tr></table>
			</div>`,
			want: "付属品 元箱\nコンディション: AB - 使用感の少ない良好な状態",
		},
		{
			name: "labelled sections when no block names the keyword",
			html: `<div id="item_detail">
				<h3>付属品</h3>
				<div>spacer</div>
				<p>元箱 / 取扱説明書</p>
				<div><strong>スタッフコメント</strong> 前玉に微細なチリ混入あり</div>
			</div>`,
			want: "付属品: 元箱 / 取扱説明書\n検品スタッフコメント: 前玉に微細なチリ混入あり",
		},
		{
			name: "condition row only",
			html: `<div id="item_detail">
				<table class="condition">
					<tr><th>A</th><td>美品</td></tr>
					<tr class="active"><th>B</th><td>並品</td></tr>
				</table>
			</div>`,
			want: "コンディション: B - 並品",
		},
		{
			name: "condition row with header only",
			html: `<div id="item_detail"><table class="condition"><tr class="active"><th>C</th></tr></table></div>`,
			want: "コンディション: C",
		},
		{
			name: "whole section fallback",
			html: `<div id="item_detail">
				<div>動作確認済み。</div>
				<div>  外観に   スレ あり </div>
			</div>`,
			want: "動作確認済み。 外観に スレ あり",
		},
		{
			name: "missing section",
			html: `<div id="other"><p>付属品：元箱</p></div>`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(mustDoc(t, tt.html), testSelectors); got != tt.want {
				t.Fatalf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripLabel(t *testing.T) {
	tests := map[string]string{
		"付属品: 元箱":  "元箱",
		"付属品：元箱":   "元箱",
		"元箱":       "元箱",
		"  付属品  ": "",
	}
	for in, want := range tests {
		if got := stripLabel(in, LabelAccessories); got != want {
			t.Fatalf("stripLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
