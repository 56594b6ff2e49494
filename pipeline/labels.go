package pipeline

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/spokenlab/amtrain/config"
	"github.com/spokenlab/amtrain/errors"
)

// mlfHeader starts every master label file.
const mlfHeader = "#!MLF!#"

// targetKind builds the feature-kind string the front end and aligner agree
// on, e.g. MFCC_0_D_A_Z.
func targetKind(fe config.FrontEnd) string {
	kind := "MFCC"
	if fe.UseC0 {
		kind += "_0"
	}
	if fe.UseDeltas {
		kind += "_D"
	}
	if fe.UseDDeltas {
		kind += "_A"
	}
	if fe.MeanNorm {
		kind += "_Z"
	}
	return kind
}

// vectorSize is the feature dimensionality implied by the front end.
func vectorSize(fe config.FrontEnd) int {
	base := fe.NumCepstra
	if fe.UseC0 {
		base++
	}
	size := base
	if fe.UseDeltas {
		size += base
	}
	if fe.UseDDeltas {
		size += base
	}
	return size
}

// writeFrontEndConfig writes the coding configuration consumed by the
// feature-extraction invocations.
func writeFrontEndConfig(fs afero.Fs, path string, fe config.FrontEnd) error {
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCEKIND = WAVEFORM\n")
	fmt.Fprintf(&b, "TARGETKIND = %s\n", targetKind(fe))
	fmt.Fprintf(&b, "NUMCEPS = %d\n", fe.NumCepstra)
	fmt.Fprintf(&b, "WINDOWSIZE = %d\n", fe.FrameLengthMS*10000)
	fmt.Fprintf(&b, "DELTAWINDOW = %d\n", fe.DeltaWindow)
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(b.String()), 0644), "writing front-end config %s", path)
}

// writeAlignConfig writes the feature-kind override used by alignment
// passes.
func writeAlignConfig(fs afero.Fs, path, kind string) error {
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(fmt.Sprintf("HPARM: TARGETKIND = %s\n", kind)), 0644), "writing align config %s", path)
}

// writeTwoModelConfig points a re-estimation pass at a separate alignment
// model, used once in the second triphone pass.
func writeTwoModelConfig(fs afero.Fs, path, alignModelDir, alignList string) error {
	content := fmt.Sprintf("ALIGNMODELMMF = %s/MMF\nALIGNHMMLIST = %s\n", alignModelDir, alignList)
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(content), 0644), "writing two-model config %s", path)
}

// writeProtoHMM writes the flat-start prototype definition.
func writeProtoHMM(fs afero.Fs, path string, fe config.FrontEnd, states int) error {
	size := vectorSize(fe)
	var b strings.Builder
	fmt.Fprintf(&b, "~o <VecSize> %d <%s>\n", size, targetKind(fe))
	fmt.Fprintf(&b, "~h \"proto\"\n<BeginHMM>\n<NumStates> %d\n", states+2)
	for s := 2; s < states+2; s++ {
		fmt.Fprintf(&b, "<State> %d\n<Mean> %d\n", s, size)
		b.WriteString(zeros(size) + "\n")
		fmt.Fprintf(&b, "<Variance> %d\n", size)
		b.WriteString(ones(size) + "\n")
	}
	fmt.Fprintf(&b, "<TransP> %d\n", states+2)
	b.WriteString("<EndHMM>\n")
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(b.String()), 0644), "writing proto hmm %s", path)
}

func zeros(n int) string {
	return strings.TrimSpace(strings.Repeat("0.0 ", n))
}

func ones(n int) string {
	return strings.TrimSpace(strings.Repeat("1.0 ", n))
}

// normalizeDict reads a published pronunciation dictionary, dropping comment
// lines and folding alternate-pronunciation markers like WORD(2) into their
// base word, and writes the cleaned copy. It returns each word's
// pronunciations and the sorted phone inventory.
func normalizeDict(fs afero.Fs, src, dst string) (map[string][][]string, []string, error) {
	f, err := fs.Open(src)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening dictionary %s", src)
	}
	defer f.Close()

	prons := map[string][][]string{}
	phoneSet := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";;;") || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		word := fields[0]
		if i := strings.IndexByte(word, '('); i > 0 {
			word = word[:i]
		}
		pron := fields[1:]
		prons[word] = append(prons[word], pron)
		for _, phone := range pron {
			phoneSet[phone] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "reading dictionary %s", src)
	}
	if len(prons) == 0 {
		return nil, nil, errors.Errorf("dictionary %s has no entries", src)
	}

	words := sortedKeys(prons)
	var b strings.Builder
	for _, word := range words {
		for _, pron := range prons[word] {
			fmt.Fprintf(&b, "%s %s\n", word, strings.Join(pron, " "))
		}
	}
	if err := afero.WriteFile(fs, dst, []byte(b.String()), 0644); err != nil {
		return nil, nil, errors.Wrapf(err, "writing dictionary %s", dst)
	}

	phones := make([]string, 0, len(phoneSet))
	for phone := range phoneSet {
		phones = append(phones, phone)
	}
	sort.Strings(phones)
	return prons, phones, nil
}

// writeDict writes dictionary entries for the given words only, optionally
// adding the silence entries training needs.
func writeDict(fs afero.Fs, path string, prons map[string][][]string, words []string, withSil bool) (int, error) {
	sorted := make([]string, len(words))
	copy(sorted, words)
	sort.Strings(sorted)

	var b strings.Builder
	entries := 0
	for _, word := range sorted {
		for _, pron := range prons[word] {
			fmt.Fprintf(&b, "%s %s\n", word, strings.Join(pron, " "))
			entries++
		}
	}
	if withSil {
		b.WriteString("!SENT_END sil\n!SENT_START sil\n")
		entries += 2
	}
	if err := afero.WriteFile(fs, path, []byte(b.String()), 0644); err != nil {
		return 0, errors.Wrapf(err, "writing dictionary %s", path)
	}
	return entries, nil
}

// mlfEntry is one utterance's labels.
type mlfEntry struct {
	ID     string
	Labels []string
}

// readMLF parses a master label file into per-utterance entries.
func readMLF(fs afero.Fs, path string) ([]mlfEntry, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading label file %s", path)
	}
	var entries []mlfEntry
	var cur *mlfEntry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || line == mlfHeader:
		case strings.HasPrefix(line, `"`):
			name := strings.Trim(line, `"`)
			name = name[strings.LastIndexByte(name, '/')+1:]
			if i := strings.LastIndexByte(name, '.'); i > 0 {
				name = name[:i]
			}
			entries = append(entries, mlfEntry{ID: name})
			cur = &entries[len(entries)-1]
		case line == ".":
			cur = nil
		default:
			if cur != nil {
				cur.Labels = append(cur.Labels, labelField(line))
			}
		}
	}
	return entries, scanner.Err()
}

// labelField extracts the label from an MLF body line. Alignment output
// carries "start end label [score]" columns; plain label files carry the
// label alone.
func labelField(line string) string {
	fields := strings.Fields(line)
	if len(fields) >= 3 && isNumeric(fields[0]) && isNumeric(fields[1]) {
		return fields[2]
	}
	return fields[0]
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// writeMLF writes per-utterance entries as a master label file.
func writeMLF(fs afero.Fs, path string, entries []mlfEntry) error {
	var b strings.Builder
	b.WriteString(mlfHeader + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%q\n", "*/"+e.ID+".lab")
		for _, label := range e.Labels {
			b.WriteString(label + "\n")
		}
		b.WriteString(".\n")
	}
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(b.String()), 0644), "writing label file %s", path)
}

// mergeMLFs concatenates partition label files into one, in the order given.
func mergeMLFs(fs afero.Fs, parts []string, out string) error {
	var all []mlfEntry
	for _, part := range parts {
		entries, err := readMLF(fs, part)
		if err != nil {
			return err
		}
		all = append(all, entries...)
	}
	return writeMLF(fs, out, all)
}

// wordToPhoneMLF expands word labels to phone labels using each word's first
// pronunciation, with silence at utterance boundaries. It returns the phone
// inventory used.
func wordToPhoneMLF(fs afero.Fs, wordMLF string, prons map[string][][]string, phoneMLF, phoneList string) ([]string, error) {
	words, err := readMLF(fs, wordMLF)
	if err != nil {
		return nil, err
	}

	phoneSet := map[string]bool{"sil": true}
	out := make([]mlfEntry, 0, len(words))
	for _, e := range words {
		labels := []string{"sil"}
		for _, word := range e.Labels {
			pron, ok := prons[word]
			if !ok {
				return nil, errors.Errorf("word %q in %s has no pronunciation", word, e.ID)
			}
			for _, phone := range pron[0] {
				phoneSet[phone] = true
				labels = append(labels, phone)
			}
		}
		labels = append(labels, "sil")
		out = append(out, mlfEntry{ID: e.ID, Labels: labels})
	}
	if err := writeMLF(fs, phoneMLF, out); err != nil {
		return nil, err
	}

	phones := make([]string, 0, len(phoneSet))
	for phone := range phoneSet {
		phones = append(phones, phone)
	}
	sort.Strings(phones)
	return phones, writeListFile(fs, phoneList, phones)
}

// phoneToTriMLF rewrites phone labels as cross-word triphones l-p+r, leaving
// silence context-independent, and writes the triphone inventory.
func phoneToTriMLF(fs afero.Fs, phoneMLF, triMLF, triList string) ([]string, error) {
	entries, err := readMLF(fs, phoneMLF)
	if err != nil {
		return nil, err
	}

	triSet := map[string]bool{}
	out := make([]mlfEntry, 0, len(entries))
	for _, e := range entries {
		labels := make([]string, len(e.Labels))
		for i, phone := range e.Labels {
			if phone == "sil" {
				labels[i] = phone
				triSet[phone] = true
				continue
			}
			tri := phone
			if i > 0 && e.Labels[i-1] != "sil" {
				tri = e.Labels[i-1] + "-" + tri
			}
			if i < len(e.Labels)-1 && e.Labels[i+1] != "sil" {
				tri = tri + "+" + e.Labels[i+1]
			}
			labels[i] = tri
			triSet[tri] = true
		}
		out = append(out, mlfEntry{ID: e.ID, Labels: labels})
	}
	if err := writeMLF(fs, triMLF, out); err != nil {
		return nil, err
	}

	tris := make([]string, 0, len(triSet))
	for tri := range triSet {
		tris = append(tris, tri)
	}
	sort.Strings(tris)
	return tris, writeListFile(fs, triList, tris)
}

// triToMonoMLF strips triphone context back down to monophones. After
// cross-word realignment the triphones are only valid for that tying, so the
// labels are reduced and correct triphones are rebuilt later.
func triToMonoMLF(fs afero.Fs, triMLF, phoneMLF string) error {
	entries, err := readMLF(fs, triMLF)
	if err != nil {
		return err
	}
	for i := range entries {
		for j, label := range entries[i].Labels {
			entries[i].Labels[j] = centerPhone(label)
		}
	}
	return writeMLF(fs, phoneMLF, entries)
}

func centerPhone(tri string) string {
	s := tri
	if i := strings.Index(s, "-"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "+"); i >= 0 {
		s = s[:i]
	}
	return s
}

func writeListFile(fs afero.Fs, path string, items []string) error {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item + "\n")
	}
	return errors.WrapfOrNil(afero.WriteFile(fs, path, []byte(b.String()), 0644), "writing list %s", path)
}

func sortedKeys(m map[string][][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
