package ocr

import (
	"fmt"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// BuildPrompts returns the system and user prompts for one batch. The user
// prompt names the page numbers the batch covers so the model labels each
// page with a header the splitter can find.
func BuildPrompts(mode domain.Mode, lang domain.Language, pageNums []int) (system, user string) {
	lo, hi := pageBounds(pageNums)

	if mode == domain.ModeSummarize {
		if lang == domain.LanguageChinese {
			system = "你是一个AI助手，用于总结PDF页面图像中的内容。"
			if len(pageNums) == 1 {
				user = fmt.Sprintf("这是PDF文档的第%d页", pageNums[0])
			} else {
				user = fmt.Sprintf("这是PDF文档的第%d-%d页", lo, hi)
			}
			user += "。请用Markdown格式总结关键要点。请以页码作为标题开始。"
			return system, user
		}

		system = "You are an AI assistant that summarizes content from images of PDF pages."
		if len(pageNums) == 1 {
			user = fmt.Sprintf("This is page %d", pageNums[0])
		} else {
			user = fmt.Sprintf("These are pages %d-%d", lo, hi)
		}
		user += " of a PDF document. Please summarize the key points in markdown format. Begin with the page number(s) as a header."
		return system, user
	}

	if lang == domain.LanguageChinese {
		system = "你是一个OCR助手，用于从PDF页面图像中提取文本。保留原始格式，包括表格、方程式和层次结构。以Markdown格式输出。"
		if len(pageNums) == 1 {
			user = fmt.Sprintf("这是PDF文档的第%d页", pageNums[0])
		} else {
			user = fmt.Sprintf("这是PDF文档的第%d-%d页", lo, hi)
		}
		user += "。提取所有文本和格式化元素（表格、方程式等），忠实保留原始结构。以Markdown格式输出。以页码作为标题开始，只包含提取的内容，不要有解释或注释。"
		return system, user
	}

	system = "You are an OCR assistant that extracts text from PDF page images. Preserve the original formatting including tables, equations, and hierarchical structure. Output in markdown format."
	if len(pageNums) == 1 {
		user = fmt.Sprintf("This is page %d", pageNums[0])
	} else {
		user = fmt.Sprintf("These are pages %d-%d", lo, hi)
	}
	user += " of a PDF document. Extract all text and formatted elements (tables, equations, etc.) faithfully preserving the original structure. Output in markdown format. Begin with the page number as a header and include ONLY the extracted content, no explanations or notes."
	return system, user
}

func pageBounds(pageNums []int) (lo, hi int) {
	for i, n := range pageNums {
		if i == 0 || n < lo {
			lo = n
		}
		if i == 0 || n > hi {
			hi = n
		}
	}
	return lo, hi
}
